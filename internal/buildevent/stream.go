package buildevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
)

const (
	DefaultHeartbeat = 15 * time.Second

	EventStatus = "status"
	EventFinal  = "final"
	EventPing   = "ping"

	writeWait = 10 * time.Second
)

// Streamer serves the event stream of one build over SSE or WebSocket.
// A subscriber going away never affects the build.
type Streamer struct {
	hub       *Hub
	clock     clockwork.Clock
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

type StreamerParams struct {
	Hub            *Hub            // required
	Clock          clockwork.Clock // default: real clock
	Heartbeat      time.Duration   // default: DefaultHeartbeat
	AllowedOrigins []string        // WebSocket origins besides localhost
}

func NewStreamer(params *StreamerParams) *Streamer {
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	heartbeat := params.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	allowed := make(map[string]bool, len(params.AllowedOrigins))
	for _, o := range params.AllowedOrigins {
		allowed[o] = true
	}

	return &Streamer{
		hub:       params.Hub,
		clock:     clock,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
		log: slog.With("component", "buildevent"),
	}
}

// Loader returns the current state of a build.
type Loader func(ctx context.Context, id uuid.UUID) (*build.Build, error)

// message is one event of a stream. Data is nil for pings.
type message struct {
	Type string       `json:"type"`
	Data *build.Event `json:"data,omitempty"`
}

// stream sends the current state of b and then every newer event of sub
// until the build finishes or send fails. done ends the stream early. sub
// must have been opened before b was loaded.
func (s *Streamer) stream(sub *Subscription, b *build.Build, done <-chan struct{}, send func(m *message) error) error {
	last := b.Event()
	if err := send(&message{Type: typeOf(last), Data: last}); err != nil {
		return err
	}
	if last.Final() {
		return nil
	}

	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case e := <-sub.C:
			if !newer(last, e) {
				continue
			}
			last = e
			if err := send(&message{Type: typeOf(e), Data: e}); err != nil {
				return err
			}
			if e.Final() {
				return nil
			}
		case <-ticker.Chan():
			if err := send(&message{Type: EventPing}); err != nil {
				return err
			}
		case <-done:
			return nil
		}
	}
}

func typeOf(e *build.Event) string {
	if e.Final() {
		return EventFinal
	}
	return EventStatus
}

// ServeSSE streams the events of build id as Server-Sent Events.
// Last-Event-ID only continues the id sequence; the stream always starts with
// the state returned by load. An error from load is returned before anything
// is written.
func (s *Streamer) ServeSSE(w http.ResponseWriter, r *http.Request, id uuid.UUID, load Loader) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}

	sub := s.hub.Subscribe(id)
	defer sub.Close()
	b, err := load(r.Context(), id)
	if err != nil {
		return err
	}

	seq := 0
	if lastID, err := strconv.Atoi(r.Header.Get("Last-Event-ID")); err == nil && lastID > 0 {
		seq = lastID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.stream(sub, b, r.Context().Done(), func(m *message) error {
		seq++
		data := []byte("{}")
		if m.Data != nil {
			var err error
			if data, err = json.Marshal(m.Data); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", m.Type, seq, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.log.Info("stopped event stream", "build_id", b.ID, "transport", "sse", "error", err)
	}
	return nil
}

// ServeWS streams the events of build id over a WebSocket as JSON messages
// {"type": ..., "data": ...}. An error from load is returned before the
// upgrade.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request, id uuid.UUID, load Loader) error {
	sub := s.hub.Subscribe(id)
	defer sub.Close()
	b, err := load(r.Context(), id)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("didn't upgrade websocket", "build_id", b.ID, "error", err)
		return nil
	}
	defer conn.Close()

	// The read side only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.stream(sub, b, closed, func(m *message) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(m)
	})
	if err != nil {
		s.log.Info("stopped event stream", "build_id", b.ID, "transport", "websocket", "error", err)
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return nil
}

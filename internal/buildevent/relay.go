package buildevent

import (
	"context"

	"github.com/rabbitmq/amqp091-go"

	"github.com/Zivotu/git-Clean2-sub005/internal/amqputil"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildamqp"
)

// Relay feeds events from the build.events exchange into a Hub, so
// subscribers of any server see the progress of builds run by any worker.
type Relay struct {
	client *amqputil.Client // required
	hub    *Hub             // required
}

func NewRelay(client *amqputil.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub}
}

// Run relays events until ctx ends, reconnecting as needed.
func (r *Relay) Run(ctx context.Context) error {
	return r.client.ConsumeWithRetry(ctx, r.handle)
}

func (r *Relay) handle(m amqp091.Delivery) {
	e, err := buildamqp.DecodeEvent(m.Body)
	if err != nil {
		r.hub.log.Warn("didn't decode build event", "error", err)
		return
	}
	_ = r.hub.PublishEvent(context.Background(), e)
}

package alias

import (
	"bytes"
	"html"
)

// ShimAttr marks injected shim tags so a document is injected at most once.
const ShimAttr = "data-builds-shim"

// DefaultShims are the runtime bridges every served app gets. They are
// hosted by the storage and rooms services.
var DefaultShims = []string{
	"/shims/storage-bridge.js",
	"/shims/rooms-client.js",
}

// Insertion points reported by InjectShim.
const (
	AtNone   = "none"
	AtBody   = "body"
	AtHead   = "head"
	AtAppend = "append"
)

// InjectShim adds a script tag for every src to doc, before the last
// </body>, else before the first </head>, else at the end. A document that
// already carries the exact injected tags is returned unchanged with AtNone.
func InjectShim(doc []byte, srcs ...string) ([]byte, string) {
	if len(srcs) == 0 {
		return doc, AtNone
	}

	var tags bytes.Buffer
	for _, src := range srcs {
		tags.WriteString(`<script src="`)
		tags.WriteString(html.EscapeString(src))
		tags.WriteString(`" ` + ShimAttr + `></script>`)
	}
	if bytes.Contains(doc, tags.Bytes()) {
		return doc, AtNone
	}

	at, i := AtBody, lastIndexFold(doc, "</body>")
	if i < 0 {
		at, i = AtHead, indexFold(doc, "</head>")
	}
	if i < 0 {
		out := make([]byte, 0, len(doc)+tags.Len()+1)
		out = append(out, doc...)
		out = append(out, '\n')
		return append(out, tags.Bytes()...), AtAppend
	}

	out := make([]byte, 0, len(doc)+tags.Len())
	out = append(out, doc[:i]...)
	out = append(out, tags.Bytes()...)
	return append(out, doc[i:]...), at
}

// indexFold is bytes.Index with ASCII case folding; tag names are ASCII
// and byte offsets must stay valid for doc.
func indexFold(doc []byte, tag string) int {
	for i := 0; i+len(tag) <= len(doc); i++ {
		if equalFold(doc[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

func lastIndexFold(doc []byte, tag string) int {
	for i := len(doc) - len(tag); i >= 0; i-- {
		if equalFold(doc[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

func equalFold(b []byte, s string) bool {
	for i := range len(s) {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != s[i] {
			return false
		}
	}
	return true
}

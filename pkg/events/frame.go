package events

import (
	"bytes"
	"strings"
)

// Wire frames written on every stream.
const (
	openFrame      = ":ok\n\n"
	keepAliveFrame = ": keepalive\n\n"
)

// CloseEvent is the event name pushed to every stream during shutdown.
const CloseEvent = "close"

// frame encodes one SSE message. Every line of data becomes its own data
// field so payloads may contain newlines.
func frame(event string, data []byte) []byte {
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(strings.NewReplacer("\r", "", "\n", "").Replace(event))
		b.WriteByte('\n')
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

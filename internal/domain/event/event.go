// Package event holds the immutable Event value that flows from producers to subscribers
// and its Server-Sent Events wire framing.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidEvent is returned for payloads that cannot become a broadcastable Event.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a single SSE message addressed to one channel.
// It is never mutated after Parse; WithPath returns a copy.
type Event struct {
	id    string
	kind  string
	data  []string
	retry int
	path  string
}

// payload is the producer-side JSON shape.
type payload struct {
	ID    json.RawMessage `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Retry json.Number     `json:"retry"`
	Path  string          `json:"path"`
}

// New builds an event directly, bypassing JSON. Data is split on any SSE line break;
// id and kind must fit on one line.
func New(path, id, kind, data string, retry int) (*Event, error) {
	if strings.ContainsAny(id, "\r\n") || strings.ContainsAny(kind, "\r\n") {
		return nil, ErrInvalidEvent
	}
	ev := &Event{
		id:    id,
		kind:  kind,
		data:  splitLines(data),
		retry: retry,
		path:  NormalizePath(path),
	}
	if !ev.Valid() {
		return nil, ErrInvalidEvent
	}
	return ev, nil
}

// Parse decodes a producer payload. The payload must be a JSON object carrying at least
// "data"; "id", "event", "retry" and "path" are optional. When "path" is absent the
// fallbackPath (a routing key or the request URL) is used.
func Parse(raw []byte, fallbackPath string) (*Event, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, ErrInvalidEvent
	}

	data, ok := decodeData(p.Data)
	if !ok {
		return nil, ErrInvalidEvent
	}

	id, ok := decodeID(p.ID)
	if !ok {
		return nil, ErrInvalidEvent
	}

	retry := 0
	if p.Retry != "" {
		n, err := strconv.Atoi(p.Retry.String())
		if err != nil {
			return nil, ErrInvalidEvent
		}
		retry = n
	}

	path := p.Path
	if path == "" {
		path = fallbackPath
	}

	return New(path, id, p.Event, data, retry)
}

// decodeData accepts a JSON string as-is and any other non-null value as compact JSON text.
func decodeData(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}

func decodeID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, !strings.ContainsAny(s, "\r\n")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// splitLines treats CRLF, CR and LF as line breaks, the same way an SSE client does.
func splitLines(data string) []string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	return strings.Split(data, "\n")
}

// NormalizePath maps "/foo", "foo/" and "foo" to the channel name "foo".
func NormalizePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

func (e *Event) ID() string     { return e.id }
func (e *Event) Type() string   { return e.kind }
func (e *Event) Path() string   { return e.path }
func (e *Event) Retry() int     { return e.retry }
func (e *Event) Data() []string { return append([]string(nil), e.data...) }

// Valid reports whether the event may be broadcast.
func (e *Event) Valid() bool {
	return e != nil && len(e.data) > 0 && e.path != ""
}

// WithPath returns a copy of the event addressed to another channel.
func (e *Event) WithPath(path string) *Event {
	cp := *e
	cp.path = NormalizePath(path)
	return &cp
}

// Serialize renders the SSE frame. Invalid events render to nil.
func (e *Event) Serialize() []byte {
	if !e.Valid() {
		return nil
	}

	var b bytes.Buffer
	if e.id != "" {
		b.WriteString("id: ")
		b.WriteString(e.id)
		b.WriteByte('\n')
	}
	if e.kind != "" {
		b.WriteString("event: ")
		b.WriteString(e.kind)
		b.WriteByte('\n')
	}
	if e.retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.retry))
		b.WriteByte('\n')
	}
	for _, line := range e.data {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

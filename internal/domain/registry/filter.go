package registry

import "bytes"

// Subscriptions is a connection's filter set. The zero value accepts every frame.
type Subscriptions struct {
	ids    map[string]struct{}
	events map[string]struct{}
}

func NewSubscriptions(ids, events []string) Subscriptions {
	var s Subscriptions
	for _, id := range ids {
		if id == "" {
			continue
		}
		if s.ids == nil {
			s.ids = make(map[string]struct{})
		}
		s.ids[id] = struct{}{}
	}
	for _, ev := range events {
		if ev == "" {
			continue
		}
		if s.events == nil {
			s.events = make(map[string]struct{})
		}
		s.events[ev] = struct{}{}
	}
	return s
}

func (s Subscriptions) Empty() bool { return len(s.ids) == 0 && len(s.events) == 0 }

var (
	fieldID    = []byte("id: ")
	fieldEvent = []byte("event: ")
)

// Accept matches a serialized frame against the filters. Comment frames always pass.
// With an active filter kind, a frame lacking that field cannot match it.
func (s Subscriptions) Accept(frame []byte) bool {
	if s.Empty() || len(frame) == 0 || frame[0] == ':' {
		return true
	}
	if len(s.ids) > 0 {
		if v, ok := frameField(frame, fieldID); ok {
			if _, hit := s.ids[v]; hit {
				return true
			}
		}
	}
	if len(s.events) > 0 {
		if v, ok := frameField(frame, fieldEvent); ok {
			if _, hit := s.events[v]; hit {
				return true
			}
		}
	}
	return false
}

// frameField returns the value of the first line starting with prefix.
func frameField(frame, prefix []byte) (string, bool) {
	for len(frame) > 0 {
		line := frame
		if i := bytes.IndexByte(frame, '\n'); i >= 0 {
			line, frame = frame[:i], frame[i+1:]
		} else {
			frame = nil
		}
		if bytes.HasPrefix(line, prefix) {
			return string(line[len(prefix):]), true
		}
	}
	return "", false
}

package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/webitel/event-stream-service/internal/domain/event"
)

var _ EventCache = (*Memory)(nil)

type memEntry struct {
	id    string
	frame []byte
}

// Memory is the in-process backend: a map for lookups and a list for insertion order.
type Memory struct {
	mu     sync.RWMutex
	length int
	order  *list.List
	index  map[string]*list.Element
}

func NewMemory(length int) *Memory {
	return &Memory{
		length: length,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
}

func (m *Memory) Put(_ context.Context, ev *event.Event) error {
	b, err := frame(ev)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// [UPDATE_IN_PLACE] keep the original position for a known id
	if el, ok := m.index[ev.ID()]; ok {
		el.Value.(*memEntry).frame = b
		return nil
	}

	m.index[ev.ID()] = m.order.PushBack(&memEntry{id: ev.ID(), frame: b})

	for m.order.Len() > m.length {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(*memEntry).id)
	}
	return nil
}

func (m *Memory) GetSince(_ context.Context, lastID string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.index[lastID]
	if !ok {
		return nil, nil
	}

	var out [][]byte
	for el = el.Next(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*memEntry).frame)
	}
	return out, nil
}

func (m *Memory) GetAll(_ context.Context) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]byte, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*memEntry).frame)
	}
	return out, nil
}

func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len(), nil
}

func (m *Memory) Close() error { return nil }

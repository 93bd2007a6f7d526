package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu        sync.Mutex
	objects   map[string][]byte
	branches  map[string]string
	listeners map[string][]chan string
}

func NewMemory() *Memory {
	return &Memory{
		objects:   map[string][]byte{},
		branches:  map[string]string{},
		listeners: map[string][]chan string{},
	}
}

func (m *Memory) GetObject(_ context.Context, hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

func (m *Memory) PutObject(_ context.Context, hash string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[hash] = slices.Clone(data)
	return nil
}

func (m *Memory) GetBranch(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.branches[key]
	return hash, ok, nil
}

func (m *Memory) PutBranch(_ context.Context, key, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branches[key] == hash {
		return nil
	}
	m.branches[key] = hash
	for _, ch := range m.listeners[key] {
		offer(ch, hash)
	}
	return nil
}

func (m *Memory) Listen(ctx context.Context, key string, fn func(hash string)) error {
	ch := make(chan string, 1)
	m.mu.Lock()
	if hash, ok := m.branches[key]; ok {
		ch <- hash
	}
	m.listeners[key] = append(m.listeners[key], ch)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.listeners[key] = slices.DeleteFunc(m.listeners[key], func(c chan string) bool { return c == ch })
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case hash := <-ch:
			fn(hash)
		}
	}
}

// offer replaces a value the listener has not consumed yet, so slow
// listeners only ever see the latest hash.
func offer(ch chan string, hash string) {
	for {
		select {
		case ch <- hash:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

package world

import (
	"context"
	"sort"
	"sync"
)

type exitKey struct {
	from string
	dir  Direction
}

type layerKey struct {
	location string
	typ      LayerType
	key      string
}

// MemoryStore implements both repositories in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	exits  map[exitKey]Exit
	layers map[layerKey]Layer
}

var (
	_ ExitRepository  = (*MemoryStore)(nil)
	_ LayerRepository = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exits:  make(map[exitKey]Exit),
		layers: make(map[layerKey]Layer),
	}
}

func (m *MemoryStore) CreateExit(ctx context.Context, e Exit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := e.Validate(); err != nil {
		return false, err
	}
	k := exitKey{from: e.FromLocationID, dir: e.Direction}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exits[k]; ok {
		return false, nil
	}
	m.exits[k] = e
	return true, nil
}

// ListExits returns the exits leaving a location ordered by direction.
func (m *MemoryStore) ListExits(ctx context.Context, from string) ([]Exit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Exit
	for k, e := range m.exits {
		if k.from == from {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Direction < out[j].Direction })
	return out, nil
}

func (m *MemoryStore) AddLayer(ctx context.Context, l Layer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := l.Validate(); err != nil {
		return false, err
	}
	k := layerKey{location: l.LocationID, typ: l.Type, key: l.Key}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[k]; ok {
		return false, nil
	}
	m.layers[k] = l
	return true, nil
}

func (m *MemoryStore) FindLayer(ctx context.Context, location string, typ LayerType, key string) (*Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	l, ok := m.layers[layerKey{location: location, typ: typ, key: key}]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// ExitCount returns the number of stored exits.
func (m *MemoryStore) ExitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exits)
}

package store

import (
	"context"
	"sync"

	"github.com/xmidt-org/talaria/sensorlink"
)

// Memory keeps definitions for the life of the process.
type Memory struct {
	mu   sync.RWMutex
	defs map[string]sensorlink.Definition
}

func NewMemory() *Memory {
	return &Memory{defs: make(map[string]sensorlink.Definition)}
}

func (m *Memory) Load(_ context.Context, identifier string) (sensorlink.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[identifier]
	if !ok {
		return sensorlink.Definition{}, notFound(identifier)
	}
	return def.Clone(), nil
}

func (m *Memory) Save(_ context.Context, identifier string, def sensorlink.Definition) error {
	m.mu.Lock()
	m.defs[identifier] = def.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

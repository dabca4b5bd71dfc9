// Package store holds the DefinitionStore backends that carry retained node
// definitions from one session to the next.
package store

import (
	"context"
	"fmt"

	"github.com/xmidt-org/talaria/sensorlink"
)

// Store is a DefinitionStore that may hold a connection.
type Store interface {
	sensorlink.DefinitionStore
	Close() error
}

// New opens the backend named by cfg.Kind.
func New(ctx context.Context, cfg sensorlink.StoreConfig, auth sensorlink.AuthStrategy) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(cfg.Path)
	case "nats":
		return DialKV(ctx, cfg)
	case "http":
		return NewHTTP(cfg.URL, auth, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("%w: store kind %q", sensorlink.ErrInvalidParameter, cfg.Kind)
}

func notFound(identifier string) error {
	return fmt.Errorf("definition %q: %w", identifier, sensorlink.ErrNotFound)
}

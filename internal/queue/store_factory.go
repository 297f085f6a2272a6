package queue

import (
	"fmt"
	"strings"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string // memory|postgres
	DSN     string // required for postgres
}

// NewStoreFromConfig builds a Store from configuration. An empty backend
// defaults to memory.
func NewStoreFromConfig(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}

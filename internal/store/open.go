package store

import (
	"fmt"
	"strings"

	"github.com/straja-ai/phiwatch/internal/config"
	"github.com/straja-ai/phiwatch/internal/engine"
)

// Closer is a store that owns resources.
type Closer interface {
	engine.Store
	Close() error
}

// Open builds the store selected by the storage config.
func Open(cfg config.StorageConfig) (Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return OpenSQL(SQLOptions{Path: cfg.Path, LogLevel: cfg.LogLevel})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

package checkpoint

import (
	"context"
	"fmt"
)

// Config selects and configures the checkpoint store.
type Config struct {
	// Store is one of "memory", "file", "redis", "sqlite", "firestore".
	// Default: "file".
	Store string `yaml:"store"`

	// Dir is the directory for the file store.
	// Default: ~/.hitl/checkpoints
	Dir string `yaml:"dir"`

	// SQLitePath is the database file for the sqlite store.
	SQLitePath string `yaml:"sqlite_path"`

	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// Stores lists the supported store names.
var Stores = []string{"memory", "file", "redis", "sqlite", "firestore"}

// DefaultConfig returns the default checkpoint configuration.
func DefaultConfig() Config {
	return Config{
		Store:      "file",
		SQLitePath: "hitl.db",
	}
}

// Open creates the store named by cfg.Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Store {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		s, err = NewFileStore(cfg.Dir)
	case "redis":
		s, err = NewRedisStore(cfg.Redis)
	case "sqlite":
		s, err = NewSQLiteStore(cfg.SQLitePath)
	case "firestore":
		s, err = NewFirestoreStore(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint store: %w", cfg.Store, err)
	}
	return s, nil
}

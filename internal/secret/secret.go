// Package secret resolves named credential references at task execution time.
// Compiled artifacts carry only the key; the backing store is a pluggable
// collaborator swapped without touching the core.
package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dagforge/internal/dagerr"
)

// ConnectionParams is the structured record behind one secret key.
type ConnectionParams struct {
	Host     string            `json:"host"`
	Port     int               `json:"port,omitempty"`
	Database string            `json:"database"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Validate checks the fields the original credential records always carry.
func (p *ConnectionParams) Validate(key string) error {
	for field, val := range map[string]string{
		"host":     p.Host,
		"database": p.Database,
		"user":     p.User,
		"password": p.Password,
	} {
		if val == "" {
			return fmt.Errorf("secret %q: missing required field %q", key, field)
		}
	}
	return nil
}

// Resolver looks up connection parameters for a secret key. Implementations
// must be safe for concurrent use by in-flight tasks.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*ConnectionParams, error)
}

// FileStore reads secrets from a directory of <key>.json records.
type FileStore struct {
	logger *zap.Logger
	dir    string
}

// NewFileStore creates a file-backed secret store rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	return &FileStore{
		logger: logger.Named("secret-store"),
		dir:    dir,
	}
}

// Resolve implements Resolver.
func (s *FileStore) Resolve(ctx context.Context, key string) (*ConnectionParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Accept "postgres_credentials" and "postgres_credentials.json" alike.
	base := strings.TrimSuffix(key, ".json")
	if base == "" {
		return nil, &dagerr.SecretNotFoundError{Key: key}
	}

	path := filepath.Join(s.dir, base+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &dagerr.SecretNotFoundError{Key: key}
		}
		return nil, fmt.Errorf("failed to read secret %q: %w", key, err)
	}

	var params ConnectionParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to decode secret %q: %w", key, err)
	}

	if err := params.Validate(key); err != nil {
		return nil, err
	}

	s.logger.Debug("Resolved secret",
		zap.String("key", base),
		zap.String("host", params.Host))

	return &params, nil
}

// EnvStore resolves secrets from environment variables of the form
// <PREFIX>_<KEY>_HOST, <PREFIX>_<KEY>_PORT and so on.
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an environment-backed secret store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

// Resolve implements Resolver.
func (s *EnvStore) Resolve(ctx context.Context, key string) (*ConnectionParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.ToUpper(strings.TrimSuffix(key, ".json"))
	lookup := func(field string) string {
		return os.Getenv(fmt.Sprintf("%s_%s_%s", s.prefix, name, field))
	}

	params := &ConnectionParams{
		Host:     lookup("HOST"),
		Database: lookup("DATABASE"),
		User:     lookup("USER"),
		Password: lookup("PASSWORD"),
	}
	if params.Host == "" && params.Database == "" && params.User == "" {
		return nil, &dagerr.SecretNotFoundError{Key: key}
	}
	if raw := lookup("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("secret %q: invalid port %q: %w", key, raw, err)
		}
		params.Port = port
	}

	if err := params.Validate(key); err != nil {
		return nil, err
	}
	return params, nil
}

// StaticStore is an in-memory resolver for tests and wiring experiments.
type StaticStore struct {
	mu      sync.RWMutex
	records map[string]*ConnectionParams
}

// NewStaticStore creates an empty in-memory secret store.
func NewStaticStore() *StaticStore {
	return &StaticStore{records: make(map[string]*ConnectionParams)}
}

// Put stores a record under key.
func (s *StaticStore) Put(key string, params *ConnectionParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.TrimSuffix(key, ".json")] = params
}

// Resolve implements Resolver.
func (s *StaticStore) Resolve(ctx context.Context, key string) (*ConnectionParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	params, ok := s.records[strings.TrimSuffix(key, ".json")]
	if !ok {
		return nil, &dagerr.SecretNotFoundError{Key: key}
	}
	return params, nil
}

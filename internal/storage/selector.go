package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/logging"
)

// Builder constructs one backend variant.
type Builder func() (Backend, error)

// DefaultFallback is the order tried when the preferred backend is unavailable.
var DefaultFallback = []string{TypeFileSystem, TypeRclone}

// Selector chooses the backend to publish through.
//
// Selection:
//  1. Return the memoized backend if one was already selected
//  2. Probe the preferred type (unknown names mean rclone)
//  3. Probe each fallback type in order, skipping ones already tried
//  4. Memoize the first available backend
//
// A failed selection is not memoized, so a later call probes again.
type Selector struct {
	preferred string
	fallback  []string
	enabled   bool
	builders  map[string]Builder
	logger    *log.Logger

	mu       sync.Mutex
	selected Backend
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithPreferredType sets the backend type probed first.
func WithPreferredType(t string) SelectorOption {
	return func(s *Selector) {
		s.preferred = strings.ToLower(strings.TrimSpace(t))
	}
}

// WithFallbackTypes replaces the fallback chain.
func WithFallbackTypes(types ...string) SelectorOption {
	return func(s *Selector) {
		s.fallback = append([]string(nil), types...)
	}
}

// WithBuilder registers the constructor for a backend type.
func WithBuilder(t string, b Builder) SelectorOption {
	return func(s *Selector) {
		s.builders[t] = b
	}
}

// WithEnabled turns publishing on or off. A disabled selector never probes.
func WithEnabled(enabled bool) SelectorOption {
	return func(s *Selector) {
		s.enabled = enabled
	}
}

// WithLogger sets the selector logger.
func WithLogger(l *log.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector creates a selector. Without options it prefers rclone, falls
// back through DefaultFallback and has no builders registered.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		preferred: TypeRclone,
		fallback:  DefaultFallback,
		enabled:   true,
		builders:  make(map[string]Builder),
		logger:    logging.Default("storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSelectorFromConfig wires the three backend variants from configuration.
func NewSelectorFromConfig(cfg *config.Config, logger *log.Logger) *Selector {
	return NewSelector(
		WithPreferredType(cfg.Storage.Type),
		WithEnabled(cfg.Storage.Enabled),
		WithLogger(logger),
		WithBuilder(TypeFileSystem, func() (Backend, error) {
			return NewFileSystem(cfg.Storage.FileSystemPath, logger)
		}),
		WithBuilder(TypeRclone, func() (Backend, error) {
			return NewRclone(RcloneOptions{
				Binary:          cfg.Rclone.Binary,
				Remote:          cfg.Rclone.Remote,
				Transfers:       cfg.Rclone.Transfers,
				MaxConcurrent:   cfg.Rclone.MaxConcurrent,
				RetriesSleep:    cfg.Rclone.RetriesSleep,
				LowLevelRetries: cfg.Rclone.LowLevelRetries,
				ProbeTimeout:    cfg.Rclone.AvailabilityProbe,
				Logger:          logger,
			})
		}),
		WithBuilder(TypeS3, func() (Backend, error) {
			return NewObjectStore(ObjectStoreOptions{
				Endpoint:  cfg.S3.Endpoint,
				Bucket:    cfg.S3.Bucket,
				Region:    cfg.S3.Region,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
				Prefix:    cfg.S3.Prefix,
				UseSSL:    cfg.S3.UseSSL,
				Parallel:  cfg.Rclone.Transfers,
				Logger:    logger,
			})
		}),
	)
}

// Get returns the selected backend, probing on first use.
func (s *Selector) Get(ctx context.Context) (Backend, error) {
	if !s.enabled {
		return nil, fmt.Errorf("%w: storage disabled", ErrNoBackend)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected != nil {
		return s.selected, nil
	}

	for i, t := range s.candidates() {
		b := s.probe(ctx, t)
		if b == nil {
			continue
		}
		if i == 0 {
			s.logger.Printf("Storage backend %q configured and available", b.Name())
		} else {
			s.logger.Printf("Using fallback storage backend %q", b.Name())
		}
		s.selected = b
		return b, nil
	}

	s.logger.Printf("No storage backend available")
	return nil, ErrNoBackend
}

// Reset forgets the memoized backend.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// candidates returns the probe order: preferred first, then the fallback
// chain without repeats.
func (s *Selector) candidates() []string {
	preferred := s.preferred
	switch preferred {
	case TypeFileSystem, TypeRclone, TypeS3:
	default:
		if _, ok := s.builders[preferred]; !ok {
			preferred = TypeRclone
		}
	}

	seen := map[string]bool{preferred: true}
	out := []string{preferred}
	for _, t := range s.fallback {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) probe(ctx context.Context, t string) Backend {
	build, ok := s.builders[t]
	if !ok {
		return nil
	}
	b, err := build()
	if err != nil {
		s.logger.Printf("Storage backend %q not usable: %v", t, err)
		return nil
	}
	if !b.IsAvailable(ctx) {
		s.logger.Printf("Storage backend %q not available", t)
		return nil
	}
	return b
}

package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/logging"
)

// ProviderConfig selects and configures a backend. A config is immutable
// once a provider has been constructed from it; a different credential or
// type always yields a new instance.
type ProviderConfig struct {
	Type       stt.ProviderType
	Credential string
	Options    stt.Options
}

// Constructor builds an uninitialized provider instance.
type Constructor func() stt.TranscriptionProvider

// UnsupportedProviderError reports a provider type with no registered
// constructor. It is a programming error, fatal to that call.
type UnsupportedProviderError struct {
	Type stt.ProviderType
}

func (e UnsupportedProviderError) Error() string {
	return fmt.Sprintf("stt provider not registered: %s", e.Type)
}

// ErrProviderClosing is returned when a cached instance is mid-teardown.
var ErrProviderClosing = fmt.Errorf("stt provider is being torn down")

type cacheKey struct {
	typ         stt.ProviderType
	fingerprint string
}

type entry struct {
	provider stt.TranscriptionProvider
	closing  bool
}

// Registry is the single point of construction and reuse for provider
// instances. It caches at most one live instance per (type, credential
// fingerprint) pair so unchanged configuration never re-authenticates a
// backend session.
type Registry struct {
	mu           sync.Mutex
	constructors map[stt.ProviderType]Constructor
	entries      map[cacheKey]*entry
	logger       *slog.Logger
}

func New() *Registry {
	return &Registry{
		constructors: make(map[stt.ProviderType]Constructor),
		entries:      make(map[cacheKey]*entry),
		logger:       logging.NewComponentLogger(slog.Default(), "provider_registry"),
	}
}

// Register installs a constructor for a provider type, replacing any
// previous registration for that type.
func (r *Registry) Register(t stt.ProviderType, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = ctor
}

// Fingerprint derives an opaque cache identity from a credential. The raw
// credential never appears in keys or logs.
func Fingerprint(credential string) string {
	if credential == "" {
		return "anon"
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// GetProvider returns the cached instance for cfg, or constructs,
// initializes, and caches a new one. A cached instance for the same type
// but a different credential fingerprint is torn down and evicted before
// the new instance is constructed.
func (r *Registry) GetProvider(cfg ProviderConfig) (stt.TranscriptionProvider, error) {
	r.mu.Lock()

	ctor, ok := r.constructors[cfg.Type]
	if !ok {
		r.mu.Unlock()
		return nil, UnsupportedProviderError{Type: cfg.Type}
	}

	key := cacheKey{typ: cfg.Type, fingerprint: Fingerprint(cfg.Credential)}
	if e, ok := r.entries[key]; ok {
		if e.closing {
			r.mu.Unlock()
			return nil, ErrProviderClosing
		}
		p := e.provider
		r.mu.Unlock()
		return p, nil
	}

	// Credential rotation: evict any instance of the same type built from
	// a different credential before constructing the replacement.
	stale := r.collectLocked(cfg.Type)
	for _, k := range stale {
		r.entries[k].closing = true
	}
	r.mu.Unlock()

	for _, k := range stale {
		r.teardown(k)
	}

	provider := ctor()
	opts := cfg.Options
	opts.Credential = cfg.Credential
	if err := provider.Initialize(opts); err != nil {
		// A failed construction must not leave a dangling handle.
		_ = provider.Cleanup()
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok && !e.closing {
		// Another caller won the race; keep theirs.
		cached := e.provider
		r.mu.Unlock()
		_ = provider.Cleanup()
		return cached, nil
	}
	r.entries[key] = &entry{provider: provider}
	r.mu.Unlock()

	r.logger.Info("provider_constructed",
		slog.String("type", string(cfg.Type)),
		slog.String("fingerprint", key.fingerprint))
	return provider, nil
}

// Cleanup tears down every cached instance of one provider type. After it
// returns, no resource held by those instances remains open and the next
// GetProvider call for the type constructs fresh.
func (r *Registry) Cleanup(t stt.ProviderType) {
	r.mu.Lock()
	keys := r.collectLocked(t)
	for _, k := range keys {
		r.entries[k].closing = true
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.teardown(k)
	}
}

// CleanupAll tears down every cached instance. Used on application
// shutdown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	keys := make([]cacheKey, 0, len(r.entries))
	for k, e := range r.entries {
		e.closing = true
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.teardown(k)
	}
}

// Size returns the number of live cached instances.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) collectLocked(t stt.ProviderType) []cacheKey {
	var keys []cacheKey
	for k, e := range r.entries {
		if k.typ == t && !e.closing {
			keys = append(keys, k)
		}
	}
	return keys
}

func (r *Registry) teardown(k cacheKey) {
	r.mu.Lock()
	e, ok := r.entries[k]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := e.provider.Cleanup(); err != nil {
		r.logger.Warn("provider_cleanup_error",
			slog.String("type", string(k.typ)),
			slog.String("error", err.Error()))
	}

	r.mu.Lock()
	delete(r.entries, k)
	r.mu.Unlock()

	r.logger.Info("provider_evicted",
		slog.String("type", string(k.typ)),
		slog.String("fingerprint", k.fingerprint))
}

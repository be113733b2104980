package monument

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/monument-sim/monument/memory"
)

// Registry maps namespace ids to running engines. Engines are built
// lazily on first touch and shared by every concurrent opener; the lock
// covers only the map, never a tick.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	pub    Publisher

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry. pub may be nil.
func NewRegistry(cfg Config, logger *slog.Logger, pub Publisher) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		pub:     pub,
		engines: make(map[string]*Engine),
	}
}

// Get returns the engine for an existing namespace, starting it on first
// touch. Unknown namespaces are not created here.
func (r *Registry) Get(namespace string) (*Engine, error) {
	if !ValidNamespace(namespace) {
		return nil, reject(ErrInvalidNamespace, "invalid_namespace",
			"namespace %q does not match ^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$", namespace)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[namespace]; ok {
		return eng, nil
	}
	st, err := OpenStore(r.cfg.DataDir, namespace)
	if err != nil {
		return nil, err
	}
	eng, err := r.startEngine(st)
	if err != nil {
		st.Close()
		return nil, err
	}
	r.engines[namespace] = eng
	return eng, nil
}

// Create builds a fresh namespace from a spec, seeds its world and starts
// its engine.
func (r *Registry) Create(ctx context.Context, spec *CreateSpec) (*Engine, error) {
	w, err := spec.BuildWorld(r.cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[spec.Namespace]; ok {
		return nil, reject(ErrInvalidNamespace, "namespace_exists", "namespace %q already exists", spec.Namespace)
	}
	st, err := CreateStore(r.cfg.DataDir, spec.Namespace)
	if err != nil {
		return nil, err
	}
	if err := st.SeedWorld(ctx, w); err != nil {
		st.Close()
		return nil, err
	}
	for k, v := range spec.metaOverrides() {
		if err := st.SetMeta(ctx, k, v); err != nil {
			st.Close()
			return nil, err
		}
	}
	eng, err := r.startEngine(st)
	if err != nil {
		st.Close()
		return nil, err
	}
	r.engines[spec.Namespace] = eng
	r.logger.Info("registry: namespace created",
		"namespace", spec.Namespace, "grid", w.Width, "actors", len(w.Actors))
	return eng, nil
}

func (r *Registry) startEngine(st *Store) (*Engine, error) {
	mem := memory.NewEmbedded(st.DB(), memory.Options{HalfLifeTicks: r.cfg.MemoryHalfLife})
	return NewEngine(r.cfg, st, mem, r.pub, r.logger)
}

// Reset stops a namespace's engine and deletes its store files. The
// namespace is gone afterwards; recreate it from a spec.
func (r *Registry) Reset(namespace string) error {
	if !ValidNamespace(namespace) {
		return reject(ErrInvalidNamespace, "invalid_namespace",
			"namespace %q does not match ^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$", namespace)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[namespace]; ok {
		eng.Stop()
		eng.Store().Close()
		delete(r.engines, namespace)
	}
	path := StorePath(r.cfg.DataDir, namespace)
	if _, err := os.Stat(path); err != nil {
		return reject(ErrUnknownNamespace, "unknown_namespace", "namespace %q not found", namespace)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	r.logger.Info("registry: namespace reset", "namespace", namespace)
	return nil
}

// List returns every namespace present in the data directory.
func (r *Registry) List() ([]string, error) {
	pattern := filepath.Join(r.cfg.DataDir, "sims", "*.db")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		ns := strings.TrimSuffix(filepath.Base(m), ".db")
		if ValidNamespace(ns) {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Shutdown stops every running engine and closes its store.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ns, eng := range r.engines {
		eng.Stop()
		eng.Store().Close()
		delete(r.engines, ns)
	}
	r.logger.Info("registry: shutdown complete")
}

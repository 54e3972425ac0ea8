package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"sigs.k8s.io/yaml"
)

// document is the on-disk shape of the whole config file.
type document struct {
	Upstreams      []UpstreamConfig        `yaml:"upstreams"`
	Policies       []PolicyConfig          `yaml:"policies"`
	VirtualServers []*VirtualServer        `yaml:"virtualServers"`
}

// FileStore loads upstreams/policies from a single YAML file and
// hot-reloads on write, grounded on the teacher's viper.WatchConfig /
// OnConfigChange wiring (cmd/mcp-broker-router/main.go) and on CirtusX's
// internal/config/watcher.go fsnotify idiom.
type FileStore struct {
	Notifier

	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore builds a FileStore reading path. Call Watch to start
// hot-reload; Load may be called standalone for a one-shot read.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger, done: make(chan struct{})}
}

// Load reads and validates the config file once.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", s.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", s.path, err)
	}

	upstreams := make([]*domain.Upstream, 0, len(doc.Upstreams))
	for i := range doc.Upstreams {
		u, err := doc.Upstreams[i].ToDomain()
		if err != nil {
			s.logger.Warn("skipping invalid upstream config", "error", err)
			continue
		}
		upstreams = append(upstreams, u)
	}

	policies := make(map[string]domain.UserContextPolicy, len(doc.Policies))
	for _, p := range doc.Policies {
		policies[p.RoleName] = p.ToDomain()
	}

	return &Snapshot{Upstreams: upstreams, Policies: policies, VirtualServers: doc.VirtualServers}, nil
}

// Watch starts an fsnotify watch on the config file's directory; every
// write/create event triggers a reload and a Notify to registered
// observers. Blocks until ctx is cancelled or Close is called — run on its
// own goroutine.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	name := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return w.Close()
		case <-s.done:
			return w.Close()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			snap, err := s.Load(ctx)
			if err != nil {
				s.logger.Error("config reload failed", "error", err)
				continue
			}
			s.logger.Info("config file changed, reloaded", "upstreams", len(snap.Upstreams))
			s.Notify(ctx, snap)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("file watcher error", "error", err)
		}
	}
}

// Close stops Watch. Safe to call multiple times.
func (s *FileStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

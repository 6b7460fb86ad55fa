// Package topic manages the ChronoQ topic registry.
//
// A topic is a named routing channel for timers (e.g. "session-expiry",
// "payment-retries"): every timer is created under a topic, and websocket
// and webhook subscribers attach per topic. Topics register implicitly on
// first use via Ensure(), or explicitly via Create(), and are persisted to a
// JSON file in the data directory so the catalog survives restarts (the
// timers themselves deliberately do not).
//
// Design rules:
//   - Topic names are 1-64 lowercase alphanumeric characters or hyphens,
//     starting with a letter or digit.
//   - Deleting a topic only removes the registry record; the dispatcher is
//     responsible for canceling any timers still pending under it.
//   - All methods are safe for concurrent use.
package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

var (
	// ErrNotFound is returned when an unregistered topic is requested.
	ErrNotFound = errors.New("topic: not found")

	// ErrAlreadyExists is returned when Create is called for an existing topic.
	ErrAlreadyExists = errors.New("topic: already exists")

	// ErrInvalidName is returned when a topic name fails validation.
	ErrInvalidName = errors.New("topic: invalid name")
)

// Topic is the metadata stored for each registered topic.
type Topic struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"` // UTC milliseconds
}

// Registry is the in-memory + on-disk store of topic records.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*Topic
	path   string
}

// New creates a Registry and loads any previously persisted topics from
// dataDir/topics.json. A missing file means an empty registry.
func New(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("topic: create data dir: %w", err)
	}

	r := &Registry{
		topics: make(map[string]*Topic),
		path:   filepath.Join(dataDir, "topics.json"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidName reports whether name passes topic name validation.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Create explicitly registers a new topic.
func (r *Registry) Create(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	r.topics[name] = &Topic{Name: name, CreatedAt: time.Now().UnixMilli()}
	return r.save()
}

// Ensure registers the topic if it is not yet known, and is a no-op
// otherwise. Used for implicit registration on first timer creation.
func (r *Registry) Ensure(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return nil
	}
	r.topics[name] = &Topic{Name: name, CreatedAt: time.Now().UnixMilli()}
	return r.save()
}

// Delete removes a topic record. Pending timers under the topic are the
// dispatcher's problem, not the registry's.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.topics, name)
	return r.save()
}

// Exists reports whether the topic is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[name]
	return ok
}

// List returns all registered topics sorted by name.
func (r *Registry) List() []*Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Topic, 0, len(r.topics))
	for _, tp := range r.topics {
		cp := *tp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered topics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// ─── Persistence ─────────────────────────────────────────────────────────────

type fileModel struct {
	Topics []*Topic `json:"topics"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("topic: read %s: %w", r.path, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("topic: parse %s: %w", r.path, err)
	}
	for _, tp := range m.Topics {
		r.topics[tp.Name] = tp
	}
	return nil
}

// save writes the registry atomically (temp file + rename). Called with mu held.
func (r *Registry) save() error {
	list := make([]*Topic, 0, len(r.topics))
	for _, tp := range r.topics {
		list = append(list, tp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(fileModel{Topics: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("topic: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("topic: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("topic: rename to %s: %w", r.path, err)
	}
	return nil
}

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/storage"
)

// Stream is the top-level namespace. It owns topics addressed by ID or by
// canonical name.
type Stream struct {
	ID        uint32
	Name      string
	CreatedAt time.Time

	dir    string
	opts   storage.Options
	cache  *cache.Cache
	logger *slog.Logger

	mu           sync.RWMutex
	topics       map[uint32]*Topic
	topicsByName map[string]uint32

	// failed holds topics found on disk that could not be loaded. Their IDs
	// stay reserved so nothing is created over their data.
	failed map[uint32]error
}

func newStream(dir string, id uint32, name string, createdAt time.Time, opts storage.Options, c *cache.Cache, logger *slog.Logger) *Stream {
	return &Stream{
		ID:           id,
		Name:         name,
		CreatedAt:    createdAt,
		dir:          dir,
		opts:         opts,
		cache:        c,
		logger:       logger,
		topics:       make(map[uint32]*Topic),
		topicsByName: make(map[string]uint32),
		failed:       make(map[uint32]error),
	}
}

// CreateStream makes the stream directory and writes stream.yaml.
func CreateStream(dir string, id uint32, name string, opts storage.Options, c *cache.Cache, logger *slog.Logger) (*Stream, error) {
	if err := os.MkdirAll(filepath.Join(dir, topicsDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stream directory: %w", err)
	}
	s := newStream(dir, id, name, time.Now().UTC(), opts, c, logger)
	meta := streamMetadata{ID: id, Name: name, CreatedAt: s.CreatedAt}
	if err := writeMetadata(filepath.Join(dir, streamMetadataFile), meta); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return s, nil
}

// LoadStream reads stream.yaml and every topic below it. A topic that fails
// to load is logged and kept out of the registry so one damaged topic does
// not keep the server down. Its ID stays reserved and lookups report a
// storage error instead of topic_not_found.
func LoadStream(dir string, opts storage.Options, c *cache.Cache, logger *slog.Logger) (*Stream, error) {
	var meta streamMetadata
	if err := readMetadata(filepath.Join(dir, streamMetadataFile), &meta); err != nil {
		return nil, fmt.Errorf("failed to read stream metadata: %w", err)
	}

	s := newStream(dir, meta.ID, meta.Name, meta.CreatedAt, opts, c, logger)

	ids, err := numericDirs(filepath.Join(dir, topicsDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	for _, id := range ids {
		t, err := LoadTopic(topicDir(dir, id), s.ID, opts, c, logger)
		if err != nil {
			logger.Error("failed to load topic",
				"stream", s.ID,
				"topic", id,
				"error", err)
			s.failed[id] = err
			continue
		}
		s.topics[t.ID] = t
		s.topicsByName[t.Name] = t.ID
	}
	return s, nil
}

// =============================================================================
// TOPIC REGISTRY
// =============================================================================

// CreateTopic registers a new topic. A zero config.ID picks the next free ID.
func (s *Stream) CreateTopic(config TopicConfig) (*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	config.Name = protocol.NormalizeName(config.Name)
	if _, exists := s.topicsByName[config.Name]; exists {
		return nil, fmt.Errorf("%w: %q in stream %d", protocol.ErrTopicAlreadyExists, config.Name, s.ID)
	}
	if config.ID == 0 {
		config.ID = nextFreeID(s.topics, s.failed)
	} else if _, exists := s.topics[config.ID]; exists {
		return nil, fmt.Errorf("%w: id %d in stream %d", protocol.ErrTopicAlreadyExists, config.ID, s.ID)
	}
	if err, failed := s.failed[config.ID]; failed {
		return nil, fmt.Errorf("%w: id %d in stream %d is on disk but failed to load: %v",
			protocol.ErrTopicAlreadyExists, config.ID, s.ID, err)
	}
	dir := topicDir(s.dir, config.ID)
	if pathExists(dir) {
		return nil, fmt.Errorf("%w: id %d in stream %d has leftover data in %s",
			protocol.ErrTopicAlreadyExists, config.ID, s.ID, dir)
	}

	t, err := NewTopic(dir, s.ID, config, s.opts, s.cache, s.logger)
	if err != nil {
		return nil, err
	}

	s.topics[t.ID] = t
	s.topicsByName[t.Name] = t.ID
	return t, nil
}

// Topic resolves a topic identifier.
func (s *Stream) Topic(id protocol.Identifier) (*Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topicLocked(id)
}

func (s *Stream) topicLocked(id protocol.Identifier) (*Topic, error) {
	if n, ok := id.Numeric(); ok {
		if t, ok := s.topics[n]; ok {
			return t, nil
		}
		if err, failed := s.failed[n]; failed {
			return nil, fmt.Errorf("%w: topic %d in stream %d failed to load: %v", protocol.ErrStorage, n, s.ID, err)
		}
	} else if name, ok := id.Name(); ok {
		if n, ok := s.topicsByName[name]; ok {
			return s.topics[n], nil
		}
	}
	return nil, fmt.Errorf("%w: %s in stream %d", protocol.ErrTopicNotFound, id, s.ID)
}

// DeleteTopic removes a topic and its data.
func (s *Stream) DeleteTopic(id protocol.Identifier) (*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.topicLocked(id)
	if err != nil {
		return nil, err
	}
	delete(s.topics, t.ID)
	delete(s.topicsByName, t.Name)

	if err := t.Delete(); err != nil {
		return t, fmt.Errorf("%w: %w", protocol.ErrStorage, err)
	}
	return t, nil
}

// Topics returns the topics ordered by ID.
func (s *Stream) Topics() []*Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TopicsCount returns the number of topics.
func (s *Stream) TopicsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close closes every topic.
func (s *Stream) Close() error {
	var errs []error
	for _, t := range s.Topics() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete removes every topic and the stream directory.
func (s *Stream) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, t := range s.topics {
		if err := t.Delete(); err != nil {
			errs = append(errs, err)
		}
		delete(s.topics, id)
		delete(s.topicsByName, t.Name)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// nextFreeID returns one past the highest ID in use or reserved.
func nextFreeID[T any](m map[uint32]T, reserved map[uint32]error) uint32 {
	var highest uint32
	for id := range m {
		highest = max(highest, id)
	}
	for id := range reserved {
		highest = max(highest, id)
	}
	return highest + 1
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package memory implements durable per-agent key/value state.
//
// Each agent owns one append-only JSON-lines file inside the store
// directory. Every Put or Delete appends an operation record and fsyncs
// it before returning; on load the file is replayed in order so the last
// record for a key wins.
package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".jsonl"

var ErrInvalidAgentID = errors.New("invalid agent id")

// Entry is one stored value.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

type record struct {
	Op        string          `json:"op"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

const (
	opPut    = "put"
	opDelete = "delete"
)

// agentMemory is the replayed state of one agent file.
type agentMemory struct {
	entries map[string]*Entry
	order   []string
}

func newAgentMemory() *agentMemory {
	return &agentMemory{entries: make(map[string]*Entry)}
}

func (m *agentMemory) put(e *Entry) {
	if existing, ok := m.entries[e.Key]; ok {
		existing.Value = e.Value
		existing.Tags = e.Tags
		existing.Timestamp = e.Timestamp
		return
	}
	m.entries[e.Key] = e
	m.order = append(m.order, e.Key)
}

func (m *agentMemory) delete(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

func (m *agentMemory) list() []Entry {
	out := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, cloneEntry(m.entries[k]))
	}
	return out
}

// Store is the file-backed memory container. Agents are loaded lazily on
// first access and kept in memory afterwards.
type Store struct {
	dir    string
	mu     sync.Mutex
	agents map[string]*agentMemory
	now    func() time.Time
}

// New opens (and creates if needed) a memory store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{
		dir:    dir,
		agents: make(map[string]*agentMemory),
		now:    time.Now,
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes value under key for agentID, replacing any previous value and
// tags. The write is flushed to disk before Put returns.
func (s *Store) Put(agentID, key string, value any, tags ...string) error {
	if key == "" {
		return errors.New("memory: empty key")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s/%s: %w", agentID, key, err)
	}
	// Keep the in-memory value in the same shape a reload would produce.
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("normalize value for %s/%s: %w", agentID, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}

	rec := record{
		Op:        opPut,
		Key:       key,
		Value:     raw,
		Tags:      dedupeTags(tags),
		Timestamp: s.now().UTC(),
	}
	if err := s.appendLocked(agentID, rec); err != nil {
		return err
	}

	mem.put(&Entry{Key: key, Value: normalized, Tags: rec.Tags, Timestamp: rec.Timestamp})
	slog.Debug("memory stored", "agent", agentID, "key", key)
	return nil
}

// Get returns the value stored under key, or def when the key is absent.
// Read failures are logged and also yield def.
func (s *Store) Get(agentID, key string, def any) any {
	e, ok, err := s.Lookup(agentID, key)
	if err != nil {
		slog.Warn("memory lookup failed", "agent", agentID, "key", key, "error", err)
		return def
	}
	if !ok {
		return def
	}
	return e.Value
}

// Lookup returns the full entry for key.
func (s *Store) Lookup(agentID, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := mem.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// Search returns the agent's entries tagged with tag, in insertion order.
func (s *Store) Search(agentID, tag string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, k := range mem.order {
		e := mem.entries[k]
		if e.HasTag(tag) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// List returns all of the agent's entries in insertion order.
func (s *Store) List(agentID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	return mem.list(), nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(agentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}
	if _, ok := mem.entries[key]; !ok {
		return nil
	}

	rec := record{Op: opDelete, Key: key, Timestamp: s.now().UTC()}
	if err := s.appendLocked(agentID, rec); err != nil {
		return err
	}
	mem.delete(key)
	return nil
}

// Agents returns the IDs of all agents with a memory file or loaded state.
func (s *Store) Agents() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentsLocked()
}

func (s *Store) agentsLocked() ([]string, error) {
	seen := make(map[string]bool, len(s.agents))
	for id := range s.agents {
		seen[id] = true
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read memory dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileExt) {
			continue
		}
		seen[strings.TrimSuffix(f.Name(), fileExt)] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compact rewrites an agent's file so that it holds exactly one put record
// per live key. The rewrite is atomic.
func (s *Store) Compact(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}

	path := s.path(agentID)
	tmp, err := os.CreateTemp(s.dir, "."+agentID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, k := range mem.order {
		e := mem.entries[k]
		raw, err := json.Marshal(e.Value)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal %s/%s: %w", agentID, k, err)
		}
		if err := enc.Encode(record{Op: opPut, Key: k, Value: raw, Tags: e.Tags, Timestamp: e.Timestamp}); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s/%s: %w", agentID, k, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush compacted file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync compacted file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace memory file: %w", err)
	}
	slog.Info("memory compacted", "agent", agentID, "entries", len(mem.order))
	return nil
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dir, agentID+fileExt)
}

func (s *Store) appendLocked(agentID string, rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path(agentID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append memory record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync memory file: %w", err)
	}
	return f.Close()
}

func (s *Store) loadLocked(agentID string) (*agentMemory, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	if mem, ok := s.agents[agentID]; ok {
		return mem, nil
	}

	mem := newAgentMemory()
	f, err := os.Open(s.path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			s.agents[agentID] = mem
			return mem, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}

	good, size, err := replay(agentID, f, mem)
	f.Close()
	if err != nil {
		return nil, err
	}
	if err := s.repairLocked(agentID, good, size); err != nil {
		return nil, err
	}

	s.agents[agentID] = mem
	return mem, nil
}

// replay applies the records of r to mem. It returns the byte offset just
// past the last intact record and the total number of bytes read.
func replay(agentID string, r io.Reader, mem *agentMemory) (good, size int64, err error) {
	br := bufio.NewReader(r)
	line := 0
	for {
		b, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return 0, 0, fmt.Errorf("read memory file: %w", readErr)
		}
		if len(b) > 0 {
			line++
			size += int64(len(b))
			if !applyRecord(agentID, line, b, mem) {
				// Drain the rest so the caller knows how much to drop.
				rest, err := io.Copy(io.Discard, br)
				if err != nil {
					return 0, 0, fmt.Errorf("read memory file: %w", err)
				}
				return good, size + rest, nil
			}
			good = size
		}
		if readErr == io.EOF {
			return good, size, nil
		}
	}
}

func applyRecord(agentID string, line int, b []byte, mem *agentMemory) bool {
	if len(bytes.TrimSpace(b)) == 0 {
		return true
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		slog.Warn("memory replay stopped at malformed record", "agent", agentID, "line", line, "error", err)
		return false
	}
	switch rec.Op {
	case opPut:
		var v any
		if len(rec.Value) > 0 {
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				slog.Warn("memory replay stopped at malformed value", "agent", agentID, "line", line, "error", err)
				return false
			}
		}
		mem.put(&Entry{Key: rec.Key, Value: v, Tags: rec.Tags, Timestamp: rec.Timestamp})
	case opDelete:
		mem.delete(rec.Key)
	default:
		slog.Warn("memory replay skipped unknown op", "agent", agentID, "line", line, "op", rec.Op)
	}
	return true
}

// repairLocked cuts a torn tail off the agent file and makes sure it ends
// in a newline, so the next append starts a fresh record.
func (s *Store) repairLocked(agentID string, good, size int64) error {
	if good == 0 && size == 0 {
		return nil
	}
	path := s.path(agentID)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	changed := false
	if good < size {
		if err := f.Truncate(good); err != nil {
			return fmt.Errorf("truncate memory file: %w", err)
		}
		slog.Warn("memory file truncated after malformed record", "agent", agentID, "dropped_bytes", size-good)
		changed = true
	}
	if good > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, good-1); err != nil {
			return fmt.Errorf("read memory file: %w", err)
		}
		if last[0] != '\n' {
			if _, err := f.WriteAt([]byte{'\n'}, good); err != nil {
				return fmt.Errorf("terminate memory record: %w", err)
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync memory file: %w", err)
	}
	return nil
}

func validateAgentID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	return nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func cloneEntry(e *Entry) Entry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	return c
}

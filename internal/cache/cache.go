// Package cache is the fingerprint-keyed result store. Entries survive
// process restarts: payloads live on disk with JSON sidecars and are
// rescanned at startup. At most one builder runs per fingerprint at a time;
// concurrent requests for the same fingerprint share the one result.
package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/flowforge-io/flowforge/internal/frame"
)

// Meta is the sidecar written next to every payload.
type Meta struct {
	Fingerprint string    `json:"fingerprint"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	Rows        int       `json:"rows"`
	Columns     []string  `json:"columns"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
}

type entry struct {
	meta   Meta
	pinned int
}

// Store is a disk-backed result cache. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	entries  map[string]*entry
	group    singleflight.Group
	log      zerolog.Logger
	now      func() time.Time
}

// Open scans dir for existing entries and returns a store. maxBytes <= 0
// disables eviction. Payloads without a readable sidecar are discarded.
func Open(dir string, maxBytes int64, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		maxBytes: maxBytes,
		entries:  map[string]*entry{},
		log:      log,
		now:      time.Now,
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	log.Info().Str("dir", dir).Int("entries", len(s.entries)).Msg("cache opened")
	return s, nil
}

func (s *Store) scan() error {
	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var m Meta
		if err := json.Unmarshal(raw, &m); err != nil || m.Fingerprint == "" {
			s.log.Warn().Str("path", path).Msg("dropping unreadable cache sidecar")
			os.Remove(path)
			return nil
		}
		if _, err := os.Stat(s.payloadPath(m.Fingerprint)); err != nil {
			s.log.Warn().Str("fingerprint", m.Fingerprint).Msg("dropping sidecar without payload")
			os.Remove(path)
			return nil
		}
		s.entries[m.Fingerprint] = &entry{meta: m}
		return nil
	})
}

func (s *Store) payloadPath(fp string) string {
	return filepath.Join(s.dir, fp[:2], fp+".bin")
}

func (s *Store) metaPath(fp string) string {
	return filepath.Join(s.dir, fp[:2], fp+".json")
}

// Has reports whether a fingerprint is cached.
func (s *Store) Has(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[fp]
	return ok
}

// Stats returns entry count and total payload bytes.
func (s *Store) Stats() (count int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		count++
		bytes += e.meta.Size
	}
	return count, bytes
}

// Meta returns the sidecar of a cached fingerprint.
func (s *Store) Meta(fp string) (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	if !ok {
		return Meta{}, false
	}
	return e.meta, true
}

// Pin protects an entry from eviction until the matching Unpin. Pins nest.
func (s *Store) Pin(fp string) {
	s.mu.Lock()
	if e, ok := s.entries[fp]; ok {
		e.pinned++
	}
	s.mu.Unlock()
}

// Unpin releases one pin.
func (s *Store) Unpin(fp string) {
	s.mu.Lock()
	if e, ok := s.entries[fp]; ok && e.pinned > 0 {
		e.pinned--
	}
	s.mu.Unlock()
}

// Load reads a cached frame, verifying the payload checksum. A corrupt or
// vanished payload drops the entry and reports an error so the caller can
// rebuild.
func (s *Store) Load(fp string) (*frame.Frame, error) {
	s.mu.Lock()
	e, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("fingerprint %s not cached", fp)
	}
	meta := e.meta
	s.mu.Unlock()

	raw, err := os.ReadFile(s.payloadPath(fp))
	if err != nil {
		s.drop(fp)
		return nil, fmt.Errorf("cache payload %s: %w", fp, err)
	}
	if got := checksum(raw); got != meta.Checksum {
		s.drop(fp)
		return nil, fmt.Errorf("cache payload %s failed checksum (%s != %s)", fp, got, meta.Checksum)
	}
	f, err := frame.Decode(bytes.NewReader(raw))
	if err != nil {
		s.drop(fp)
		return nil, fmt.Errorf("cache payload %s: %w", fp, err)
	}
	s.touch(fp)
	return f, nil
}

// Put stores a frame under a fingerprint, then enforces the size budget.
func (s *Store) Put(fp string, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	raw := buf.Bytes()
	now := s.now()
	meta := Meta{
		Fingerprint: fp,
		Checksum:    checksum(raw),
		Size:        int64(len(raw)),
		Rows:        f.NumRows(),
		Columns:     f.Schema.Names(),
		CreatedAt:   now,
		AccessedAt:  now,
	}
	if err := writeAtomic(s.payloadPath(fp), raw); err != nil {
		return err
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.metaPath(fp), mb); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[fp] = &entry{meta: meta}
	s.mu.Unlock()
	s.evictOver()
	return nil
}

// GetOrBuild returns the cached frame for fp, or runs build exactly once to
// produce and store it. Concurrent callers for the same fingerprint wait
// for the single builder.
func (s *Store) GetOrBuild(ctx context.Context, fp string, build func(context.Context) (*frame.Frame, error)) (*frame.Frame, error) {
	v, err, _ := s.group.Do(fp, func() (any, error) {
		if s.Has(fp) {
			f, err := s.Load(fp)
			if err == nil {
				return f, nil
			}
			s.log.Warn().Str("fingerprint", fp).Err(err).Msg("cache entry unreadable, rebuilding")
		}
		f, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(fp, f); err != nil {
			return nil, err
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*frame.Frame), nil
}

// Remove drops one entry.
func (s *Store) Remove(fp string) {
	s.drop(fp)
}

// Clear drops every unpinned entry.
func (s *Store) Clear() {
	s.mu.Lock()
	fps := make([]string, 0, len(s.entries))
	for fp, e := range s.entries {
		if e.pinned == 0 {
			fps = append(fps, fp)
		}
	}
	s.mu.Unlock()
	for _, fp := range fps {
		s.drop(fp)
	}
}

func (s *Store) drop(fp string) {
	s.mu.Lock()
	delete(s.entries, fp)
	s.mu.Unlock()
	os.Remove(s.payloadPath(fp))
	os.Remove(s.metaPath(fp))
}

func (s *Store) touch(fp string) {
	s.mu.Lock()
	if e, ok := s.entries[fp]; ok {
		e.meta.AccessedAt = s.now()
	}
	s.mu.Unlock()
}

// evictOver removes least-recently-accessed unpinned entries until the
// total payload size fits the budget.
func (s *Store) evictOver() {
	if s.maxBytes <= 0 {
		return
	}
	s.mu.Lock()
	var total int64
	type cand struct {
		fp       string
		accessed time.Time
		size     int64
	}
	cands := []cand{}
	for fp, e := range s.entries {
		total += e.meta.Size
		if e.pinned == 0 {
			cands = append(cands, cand{fp, e.meta.AccessedAt, e.meta.Size})
		}
	}
	if total <= s.maxBytes {
		s.mu.Unlock()
		return
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].accessed.Before(cands[j].accessed) })
	victims := []string{}
	for _, c := range cands {
		if total <= s.maxBytes {
			break
		}
		victims = append(victims, c.fp)
		total -= c.size
	}
	s.mu.Unlock()
	for _, fp := range victims {
		s.log.Debug().Str("fingerprint", fp).Msg("evicting cache entry")
		s.drop(fp)
	}
}

func checksum(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

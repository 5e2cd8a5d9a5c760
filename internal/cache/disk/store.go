// Package disk implements the artifact cache store on top of an afero filesystem.
//
// Content files are named by the SHA-256 of their key. A single index file maps
// keys to entry metadata and is rewritten on every mutation; it is the only
// source of truth for what the directory holds.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// IndexFile is the name of the index inside the cache directory.
const IndexFile = "index.json"

const (
	indexVersion = 1
	tempPrefix   = ".tmp-"
	etagLength   = 16
)

// Config captures the parameters for a disk store.
type Config struct {
	// Dir is the cache directory. It is created on first use.
	Dir string
	// FreshFor is how long after a put the entry is served without revalidation.
	FreshFor time.Duration
	// Grace is how long past expires_at an entry survives a vacuum.
	Grace time.Duration
}

// Store persists artifacts and their metadata under a single directory.
type Store struct {
	cfg    Config
	fs     afero.Fs
	clock  artifact.Clock
	hasher artifact.Hasher
	logger *zap.Logger

	loadOnce sync.Once
	loadErr  error

	mu      sync.RWMutex
	entries map[string]artifact.Entry
}

var _ artifact.Store = (*Store)(nil)

// VacuumReport summarizes one vacuum pass.
type VacuumReport struct {
	Expired int
	Orphans int
}

type indexDocument struct {
	Version int                       `json:"version"`
	Entries map[string]artifact.Entry `json:"entries"`
}

// New creates a Store. A nil fs defaults to the OS filesystem.
func New(cfg Config, fs afero.Fs, clock artifact.Clock, hasher artifact.Hasher, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if clock == nil || hasher == nil {
		return nil, fmt.Errorf("clock and hasher are required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		fs:      fs,
		clock:   clock,
		hasher:  hasher,
		logger:  logger,
		entries: make(map[string]artifact.Entry),
	}, nil
}

// Load reads the index from disk. It runs at most once; later calls return the
// first outcome. Get, Put and Vacuum call it implicitly.
func (s *Store) Load(_ context.Context) error {
	s.loadOnce.Do(func() {
		s.loadErr = s.load()
	})
	return s.loadErr
}

// Get returns the cached artifact for key. Read failures are reported as misses.
func (s *Store) Get(ctx context.Context, key string) (artifact.Cached, bool) {
	if err := s.Load(ctx); err != nil {
		s.logger.Warn("cache index unavailable", zap.Error(err))
		return artifact.Cached{}, false
	}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return artifact.Cached{}, false
	}

	if entry.IsExpired(s.clock.Now()) {
		s.evict(entry, "expired")
		return artifact.Cached{}, false
	}
	if entry.IsEmpty() {
		return artifact.Cached{Entry: entry}, true
	}

	body, err := afero.ReadFile(s.fs, s.path(entry.File))
	if err != nil {
		s.logger.Warn("cache file unreadable",
			zap.String("key", key),
			zap.String("file", entry.File),
			zap.Error(err),
		)
		s.evict(entry, "missing file")
		return artifact.Cached{}, false
	}
	return artifact.Cached{Entry: entry, Body: body}, true
}

// Put writes art under key and persists the index before returning.
func (s *Store) Put(ctx context.Context, key string, art artifact.Artifact, expiresIn time.Duration) (artifact.Entry, error) {
	if err := s.Load(ctx); err != nil {
		return artifact.Entry{}, fmt.Errorf("%w: load index: %v", artifact.ErrStorage, err)
	}
	if expiresIn <= 0 {
		return artifact.Entry{}, fmt.Errorf("%w: non-positive lifetime %s", artifact.ErrStorage, expiresIn)
	}

	digest, err := s.hasher.Hash(art.Body)
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("%w: hash content: %v", artifact.ErrStorage, err)
	}
	name, err := s.fileName(key)
	if err != nil {
		return artifact.Entry{}, err
	}

	now := s.clock.Now()
	fresh := s.cfg.FreshFor
	if fresh <= 0 || fresh > expiresIn {
		fresh = expiresIn
	}
	entry := artifact.Entry{
		Key:         key,
		Kind:        artifact.EntryArtifact,
		File:        name,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiresIn),
		StaleAfter:  now.Add(fresh),
		ContentType: art.ContentType,
		ETag:        etag(digest),
		OriginalURL: art.OriginalURL,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(name, art.Body); err != nil {
		return artifact.Entry{}, fmt.Errorf("%w: write content: %v", artifact.ErrStorage, err)
	}
	if err := s.commitLocked(entry); err != nil {
		return artifact.Entry{}, err
	}
	return entry, nil
}

// PutEmpty records that key has no artifact for ttl.
func (s *Store) PutEmpty(ctx context.Context, key string, ttl time.Duration) (artifact.Entry, error) {
	if err := s.Load(ctx); err != nil {
		return artifact.Entry{}, fmt.Errorf("%w: load index: %v", artifact.ErrStorage, err)
	}
	if ttl <= 0 {
		return artifact.Entry{}, fmt.Errorf("%w: non-positive lifetime %s", artifact.ErrStorage, ttl)
	}

	now := s.clock.Now()
	entry := artifact.Entry{
		Key:        key,
		Kind:       artifact.EntryEmpty,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		StaleAfter: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.entries[key]
	if err := s.commitLocked(entry); err != nil {
		return artifact.Entry{}, err
	}
	if had && !prev.IsEmpty() {
		s.removeFile(prev.File)
	}
	return entry, nil
}

// Entries returns a snapshot of the index ordered by key.
func (s *Store) Entries(ctx context.Context) []artifact.Entry {
	if err := s.Load(ctx); err != nil {
		return nil
	}
	s.mu.RLock()
	out := make([]artifact.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of indexed entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Vacuum removes entries whose expiry plus grace has passed, and content files
// that no entry references.
func (s *Store) Vacuum(ctx context.Context) (VacuumReport, error) {
	var report VacuumReport
	if err := s.Load(ctx); err != nil {
		return report, fmt.Errorf("vacuum: %w", err)
	}
	horizon := s.clock.Now().Add(-s.cfg.Grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]struct{}, len(s.entries))
	for key, e := range s.entries {
		if e.ExpiresAt.Before(horizon) {
			delete(s.entries, key)
			if !e.IsEmpty() {
				s.removeFile(e.File)
			}
			report.Expired++
			continue
		}
		if !e.IsEmpty() {
			referenced[e.File] = struct{}{}
		}
	}

	infos, err := afero.ReadDir(s.fs, s.cfg.Dir)
	if err != nil {
		return report, fmt.Errorf("list cache directory: %w", err)
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("vacuum: %w", err)
		}
		name := info.Name()
		if info.IsDir() || name == IndexFile {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		s.removeFile(name)
		report.Orphans++
	}

	if report.Expired > 0 {
		if err := s.persistLocked(); err != nil {
			return report, err
		}
	}
	if report.Expired > 0 || report.Orphans > 0 {
		s.logger.Info("cache vacuumed",
			zap.Int("expired", report.Expired),
			zap.Int("orphans", report.Orphans),
			zap.Int("remaining", len(s.entries)),
		)
	}
	return report, nil
}

func (s *Store) load() error {
	if err := s.fs.MkdirAll(s.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	raw, err := afero.ReadFile(s.fs, s.path(IndexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}

	var doc indexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("discarding corrupt cache index", zap.Error(err))
		return nil
	}

	now := s.clock.Now()
	dropped := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range doc.Entries {
		e.Key = key
		if e.IsExpired(now) {
			if !e.IsEmpty() {
				s.removeFile(e.File)
			}
			dropped++
			continue
		}
		if !e.IsEmpty() {
			if _, err := s.fs.Stat(s.path(e.File)); err != nil {
				dropped++
				continue
			}
		}
		s.entries[key] = e
	}
	s.logger.Info("cache index loaded",
		zap.String("dir", s.cfg.Dir),
		zap.Int("entries", len(s.entries)),
		zap.Int("dropped", dropped),
	)
	if dropped > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("rewrite cache index", zap.Error(err))
		}
	}
	return nil
}

// evict removes entry if the index still holds exactly that version of it.
func (s *Store) evict(entry artifact.Entry, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[entry.Key]
	if !ok || !current.CreatedAt.Equal(entry.CreatedAt) {
		return
	}
	delete(s.entries, entry.Key)
	if !entry.IsEmpty() {
		s.removeFile(entry.File)
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persist cache index after eviction", zap.String("key", entry.Key), zap.Error(err))
	}
	s.logger.Debug("cache entry evicted", zap.String("key", entry.Key), zap.String("reason", reason))
}

// commitLocked installs entry and persists the index, rolling back on failure.
func (s *Store) commitLocked(entry artifact.Entry) error {
	prev, had := s.entries[entry.Key]
	s.entries[entry.Key] = entry
	if err := s.persistLocked(); err != nil {
		if had {
			s.entries[entry.Key] = prev
		} else {
			delete(s.entries, entry.Key)
		}
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	doc := indexDocument{Version: indexVersion, Entries: s.entries}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode index: %v", artifact.ErrStorage, err)
	}
	if err := s.writeAtomic(IndexFile, raw); err != nil {
		return fmt.Errorf("%w: write index: %v", artifact.ErrStorage, err)
	}
	return nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, s.cfg.Dir, tempPrefix+name+"-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path(name)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) removeFile(name string) {
	if name == "" {
		return
	}
	if err := s.fs.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove cache file", zap.String("file", name), zap.Error(err))
	}
}

func (s *Store) fileName(key string) (string, error) {
	name, err := s.hasher.Hash([]byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: hash key: %v", artifact.ErrStorage, err)
	}
	if name == "" || name == IndexFile || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: unusable file name %q", artifact.ErrStorage, name)
	}
	return name, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.cfg.Dir, name)
}

func etag(digest string) string {
	if len(digest) > etagLength {
		digest = digest[:etagLength]
	}
	return `"` + digest + `"`
}

// Package knowledge implements the knowledge store: a
// category-filtered chunk store with on-disk freshness metadata, scanned
// from the project tree per the configured category glob patterns.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"archdoc/internal/config"
	"archdoc/internal/textsplitters"
)

// Chunk is one piece of chunked source material belonging to a category.
type Chunk struct {
	Path  string `json:"path"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// categoryFile tracks one source file's sync state within a category.
type categoryFile struct {
	Path         string   `json:"path"`
	Mtime        int64    `json:"mtime"` // unix seconds
	Chunks       int      `json:"chunks"`
	TargetAgents []string `json:"target_agents,omitempty"`
}

// syncMetadata is the persisted freshness ledger: {last_synced, categories: {name: [...]}}.
type syncMetadata struct {
	LastSynced int64                     `json:"last_synced"`
	Categories map[string][]categoryFile `json:"categories"`
}

// Store is the Knowledge Store: it scans a project tree for files matching
// each configured category's glob patterns, chunks changed files, and
// serves load_for(category, target_agent) queries against the result.
type Store struct {
	mu       sync.RWMutex
	cacheDir string
	cats     []config.KnowledgeCategoryConfig
	splitter textsplitters.Splitter

	meta   syncMetadata
	chunks map[string][]Chunk // category -> chunks, populated by Sync
}

// New constructs a Store from configuration. It does not touch disk until
// Sync is called.
func New(cfg config.KnowledgeConfig) (*Store, error) {
	splitter, err := splitterFromConfig(cfg.Chunking)
	if err != nil {
		return nil, fmt.Errorf("knowledge: build splitter: %w", err)
	}
	return &Store{
		cacheDir: cfg.CacheDir,
		cats:     cfg.Categories,
		splitter: splitter,
		chunks:   make(map[string][]Chunk),
	}, nil
}

func splitterFromConfig(c config.ChunkingConfig) (textsplitters.Splitter, error) {
	// The configuration surface names strategies semantic/paragraph/fixed;
	// map those onto the splitter kinds, passing any other value through for
	// callers that name a splitter kind directly.
	var kind textsplitters.Kind
	switch strings.ToLower(strings.TrimSpace(c.Strategy)) {
	case "semantic":
		kind = textsplitters.KindSemantic
	case "paragraph", "paragraphs":
		kind = textsplitters.KindParagraphs
	case "fixed":
		kind = textsplitters.KindFixed
	case "code":
		kind = textsplitters.KindCode
	case "":
		kind = textsplitters.KindRecursive
	default:
		kind = textsplitters.Kind(c.Strategy)
	}
	fixed := textsplitters.FixedConfig{
		Unit: textsplitters.UnitChars, Size: nonZero(c.ChunkSize, 1500), Overlap: c.ChunkOverlap,
	}
	boundary := textsplitters.BoundaryConfig{
		Unit: textsplitters.UnitChars, Size: nonZero(c.ChunkSize, 1500), Overlap: c.ChunkOverlap,
	}
	tsCfg := textsplitters.Config{
		Kind:     kind,
		Fixed:    fixed,
		Boundary: boundary,
		Semantic: textsplitters.SemanticConfig{Within: boundary},
		Code:     textsplitters.CodeConfig{Within: boundary},
		Recursive: textsplitters.RecursiveConfig{
			Paragraphs: boundary,
			Sentences:  boundary,
			Fallback:   fixed,
		},
	}
	return textsplitters.NewFromConfig(tsCfg)
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// metaPath returns the path of the on-disk freshness ledger.
func (s *Store) metaPath() string {
	return filepath.Join(s.cacheDir, "sync.json")
}

// Sync walks projectRoot, matches files against each category's glob
// patterns, and (re-)chunks any file whose mtime has changed since the
// last sync, updating the freshness metadata.
func (s *Store) Sync(ctx context.Context, projectRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadMeta(); err != nil {
		return err
	}
	if s.meta.Categories == nil {
		s.meta.Categories = make(map[string][]categoryFile)
	}

	for _, cat := range s.cats {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := matchFiles(projectRoot, cat.Patterns)
		if err != nil {
			return fmt.Errorf("knowledge: scan category %q: %w", cat.Name, err)
		}

		prevByPath := make(map[string]categoryFile, len(s.meta.Categories[cat.Name]))
		for _, pf := range s.meta.Categories[cat.Name] {
			prevByPath[pf.Path] = pf
		}

		var updated []categoryFile
		var catChunks []Chunk
		for _, path := range files {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			mtime := info.ModTime().Unix()
			rel, _ := filepath.Rel(projectRoot, path)

			prev, seen := prevByPath[rel]
			var chunks []string
			if seen && prev.Mtime == mtime {
				chunks = nil // unchanged; chunk count already known, text not reloaded into memory
			} else {
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				chunks = s.splitter.Split(string(data))
			}

			n := prev.Chunks
			if chunks != nil {
				n = len(chunks)
				for i, c := range chunks {
					catChunks = append(catChunks, Chunk{Path: rel, Index: i, Text: c})
				}
			}
			updated = append(updated, categoryFile{
				Path: rel, Mtime: mtime, Chunks: n, TargetAgents: cat.TargetAgents,
			})
		}
		s.meta.Categories[cat.Name] = updated
		if len(catChunks) > 0 {
			s.chunks[cat.Name] = append(s.chunks[cat.Name], catChunks...)
		}
	}

	s.meta.LastSynced = time.Now().Unix()
	return s.saveMeta()
}

// LoadFor returns the chunks belonging to category, optionally filtered to
// only those whose source category declares targetAgent among its
// target_agents (an empty targetAgent returns everything in the category).
// Files whose category declares no target_agents are returned for every
// targetAgent.
func (s *Store) LoadFor(category, targetAgent string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks, ok := s.chunks[category]
	if !ok {
		return nil, nil
	}
	if targetAgent == "" {
		return chunks, nil
	}

	files := s.meta.Categories[category]
	allowed := make(map[string]bool, len(files))
	for _, f := range files {
		if len(f.TargetAgents) == 0 || contains(f.TargetAgents, targetAgent) {
			allowed[f.Path] = true
		}
	}
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if allowed[c.Path] {
			out = append(out, c)
		}
	}
	return out, nil
}

// LastSynced reports when Sync last completed, or the zero time if Sync has
// never run (and no prior metadata was loaded from disk).
func (s *Store) LastSynced() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta.LastSynced == 0 {
		return time.Time{}
	}
	return time.Unix(s.meta.LastSynced, 0)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Store) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if os.IsNotExist(err) {
		s.meta = syncMetadata{Categories: make(map[string][]categoryFile)}
		return nil
	}
	if err != nil {
		return fmt.Errorf("knowledge: read sync metadata: %w", err)
	}
	return json.Unmarshal(data, &s.meta)
}

func (s *Store) saveMeta() error {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("knowledge: create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("knowledge: marshal sync metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.cacheDir, "sync-*.json.tmp")
	if err != nil {
		return fmt.Errorf("knowledge: create temp metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("knowledge: write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.metaPath())
}

func matchFiles(root string, patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
				out = append(out, path)
				break
			}
			if ok, _ := filepath.Match(pattern, rel); ok {
				out = append(out, path)
				break
			}
			if strings.Contains(pattern, "/") && strings.HasSuffix(rel, strings.TrimPrefix(pattern, "**/")) {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	return out, err
}

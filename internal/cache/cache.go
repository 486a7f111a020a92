// Package cache implements the content-addressed, disk-backed response
// cache: a persistent store of LLM completions keyed by a digest of
// the category, prompt, model id, and temperature, with lazy TTL
// expiration and atomic, category-dimensioned metrics.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is the persisted shape of one cache file.
type Entry struct {
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	PromptDigest string          `json:"prompt_digest"`
	TokenUsage   *TokenUsage     `json:"token_usage,omitempty"`
	ModelID      string          `json:"model_id,omitempty"`
}

// TokenUsage records the token accounting for a cached completion.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelPrice is a per-model price point, expressed per million tokens, used
// only to estimate cache savings in the summary report.
type ModelPrice struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Config configures a Cache.
type Config struct {
	Enabled         bool
	RootDir         string
	ExpireHours     int // 0 = never
	ModelPriceTable map[string]ModelPrice
}

// estimatedMSPerOutputToken converts a cache hit's saved output tokens into
// saved inference wall-clock: a coarse 50-tokens-per-second generation-rate
// assumption, used only for the summary report's saved-ms figure.
const estimatedMSPerOutputToken = 20

// categoryMetrics holds the atomic counters for one category. All fields are
// updated with lock-free atomic adds; no lock is ever held across I/O.
type categoryMetrics struct {
	hits        int64
	misses      int64
	writes      int64
	errors      int64
	msSaved     int64 // cumulative estimated inference-ms saved
	tokensSaved int64 // cumulative token-equivalents saved
}

// modelSavings accumulates the input/output tokens that cache hits avoided
// re-buying from one model within one category; the price table turns these
// into the report's cost-saving estimate.
type modelSavings struct {
	input  int64
	output int64
}

// Cache is the content-addressed response cache. One file per digest,
// written atomically via a temp-file-then-rename, under
// {root_dir}/{category}/{digest}.json. No filesystem locking is used.
type Cache struct {
	cfg     Config
	metrics sync.Map // category (string) -> *categoryMetrics
	savings sync.Map // category + "\x00" + model (string) -> *modelSavings
}

// New constructs a Cache rooted at cfg.RootDir. The directory is created
// lazily on first write.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg}
}

func digest(category, prompt, model string, temperature float64) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', -1, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

// Digest exposes the content digest for (category, prompt, model,
// temperature), the same value Get and Set key cache files by.
func Digest(category, prompt, model string, temperature float64) string {
	return digest(category, prompt, model, temperature)
}

func (c *Cache) path(category, dig string) string {
	return filepath.Join(c.cfg.RootDir, category, dig+".json")
}

// Get looks up the cached payload for (category, prompt, model, temperature),
// unmarshals it into out, and reports whether it hit. A missing or unreadable
// file and an expired entry (whose file is removed) return false and
// increment misses; an entry or payload that fails to decode degrades to a
// miss, returning false and incrementing the error counter. A hit increments
// the hit counter.
func (c *Cache) Get(category, prompt, model string, temperature float64, out any) bool {
	if !c.cfg.Enabled {
		return false
	}
	dig := digest(category, prompt, model, temperature)
	p := c.path(category, dig)

	raw, err := os.ReadFile(p)
	if err != nil {
		atomic.AddInt64(&c.bump(category).misses, 1)
		return false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Debug().Err(err).Str("category", category).Msg("cache: decode error, treating as miss")
		atomic.AddInt64(&c.bump(category).errors, 1)
		return false
	}

	if c.expired(e.CreatedAt) {
		_ = os.Remove(p)
		atomic.AddInt64(&c.bump(category).misses, 1)
		return false
	}

	if err := json.Unmarshal(e.Payload, out); err != nil {
		log.Debug().Err(err).Str("category", category).Msg("cache: payload decode error, treating as miss")
		atomic.AddInt64(&c.bump(category).errors, 1)
		return false
	}

	m := c.bump(category)
	atomic.AddInt64(&m.hits, 1)
	if e.TokenUsage != nil {
		atomic.AddInt64(&m.tokensSaved, int64(e.TokenUsage.InputTokens+e.TokenUsage.OutputTokens))
		atomic.AddInt64(&m.msSaved, int64(e.TokenUsage.OutputTokens)*estimatedMSPerOutputToken)
		s := c.savingsFor(category, e.ModelID)
		atomic.AddInt64(&s.input, int64(e.TokenUsage.InputTokens))
		atomic.AddInt64(&s.output, int64(e.TokenUsage.OutputTokens))
	}
	return true
}

func (c *Cache) savingsFor(category, model string) *modelSavings {
	v, _ := c.savings.LoadOrStore(category+"\x00"+model, &modelSavings{})
	return v.(*modelSavings)
}

func (c *Cache) expired(createdAt time.Time) bool {
	if c.cfg.ExpireHours <= 0 {
		return false
	}
	return time.Since(createdAt) > time.Duration(c.cfg.ExpireHours)*time.Hour
}

// Set writes value under (category, prompt, model, temperature), recording a
// write event. Any I/O error is logged and counted but not returned to the
// caller: a cache write failure must never fail the pipeline.
func (c *Cache) Set(category, prompt, model string, temperature float64, value any, usage *TokenUsage) {
	if !c.cfg.Enabled {
		return
	}
	dig := digest(category, prompt, model, temperature)
	payload, err := json.Marshal(value)
	if err != nil {
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}

	entry := Entry{
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
		PromptDigest: dig,
		TokenUsage:   usage,
		ModelID:      model,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}

	dir := filepath.Join(c.cfg.RootDir, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debug().Err(err).Str("category", category).Msg("cache: mkdir failed")
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}

	tmp, err := os.CreateTemp(dir, dig+".*.tmp")
	if err != nil {
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}
	if err := os.Rename(tmpPath, c.path(category, dig)); err != nil {
		os.Remove(tmpPath)
		atomic.AddInt64(&c.bump(category).errors, 1)
		return
	}

	atomic.AddInt64(&c.bump(category).writes, 1)
}

func (c *Cache) bump(category string) *categoryMetrics {
	v, _ := c.metrics.LoadOrStore(category, &categoryMetrics{})
	return v.(*categoryMetrics)
}

// CategoryReport summarizes one category's metrics for the pipeline's
// SummaryReport.
type CategoryReport struct {
	Category         string  `json:"category"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Writes           int64   `json:"writes"`
	Errors           int64   `json:"errors"`
	HitRate          float64 `json:"hit_rate"`
	TokensSaved      int64   `json:"tokens_saved"`
	EstimatedMSSaved int64   `json:"estimated_ms_saved"`
	EstimatedSaved   float64 `json:"estimated_cost_saved"`
}

// Report computes a per-category snapshot. EstimatedSaved uses
// cfg.ModelPriceTable and is zero for categories/models absent from it.
func (c *Cache) Report() []CategoryReport {
	var out []CategoryReport
	c.metrics.Range(func(k, v any) bool {
		category := k.(string)
		m := v.(*categoryMetrics)
		hits := atomic.LoadInt64(&m.hits)
		misses := atomic.LoadInt64(&m.misses)
		total := hits + misses
		var rate float64
		if total > 0 {
			rate = float64(hits) / float64(total)
		}
		out = append(out, CategoryReport{
			Category:         category,
			Hits:             hits,
			Misses:           misses,
			Writes:           atomic.LoadInt64(&m.writes),
			Errors:           atomic.LoadInt64(&m.errors),
			HitRate:          rate,
			TokensSaved:      atomic.LoadInt64(&m.tokensSaved),
			EstimatedMSSaved: atomic.LoadInt64(&m.msSaved),
			EstimatedSaved:   c.estimatedSavedFor(category),
		})
		return true
	})
	return out
}

// estimatedSavedFor sums the priced savings across every model that served
// hits in category. Models absent from the price table contribute zero.
func (c *Cache) estimatedSavedFor(category string) float64 {
	var total float64
	c.savings.Range(func(k, v any) bool {
		cat, model, ok := strings.Cut(k.(string), "\x00")
		if !ok || cat != category {
			return true
		}
		total += c.priceFor(model, v.(*modelSavings))
		return true
	})
	return total
}

func (c *Cache) priceFor(model string, s *modelSavings) float64 {
	price, ok := c.cfg.ModelPriceTable[model]
	if !ok {
		return 0
	}
	in := float64(atomic.LoadInt64(&s.input)) * price.InputPer1M / 1_000_000
	out := float64(atomic.LoadInt64(&s.output)) * price.OutputPer1M / 1_000_000
	return in + out
}

// EstimateSavings computes Σ(hits × (input_tokens × price_in + output_tokens
// × price_out)) for one category against a specific model's price entry.
func (c *Cache) EstimateSavings(category, model string) float64 {
	v, ok := c.savings.Load(category + "\x00" + model)
	if !ok {
		return 0
	}
	return c.priceFor(model, v.(*modelSavings))
}

// Package retrieval indexes the beamline knowledge base (plan notes,
// device notes, operating procedures) for full-text lookup.
//
// Documents are markdown or text files under a knowledge directory. Each
// heading starts a new passage; passages are indexed with bleve and query
// results are cached with ristretto until the next reindex.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/dgraph-io/ristretto"

	"github.com/roach88/baitchat/internal/ir"
)

// Passage kinds.
const (
	KindPlan   = "plan"
	KindDevice = "device"
	KindDoc    = "doc"
)

// DefaultCacheSize is the number of query results kept.
const DefaultCacheSize = 1024

// DefaultLimit is the result count when a query asks for k <= 0.
const DefaultLimit = 5

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("retrieval index is closed")

// Passage is one indexed section of a document.
type Passage struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Kind   string  `json:"kind"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Score  float64 `json:"score,omitempty"`
}

// Index is a searchable passage store. Safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	cache  *ristretto.Cache
	logger *slog.Logger
	closed bool
}

type options struct {
	cacheSize int64
	logger    *slog.Logger
}

// Option configures an Index.
type Option func(*options)

// WithCacheSize sets how many query results are cached.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = int64(n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Open opens the index at path, creating it if needed. An empty path keeps
// the index in memory.
func Open(path string, opts ...Option) (*Index, error) {
	o := options{cacheSize: DefaultCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(buildMapping())
	} else if idx, err = bleve.Open(path); err != nil {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open retrieval index: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: o.cacheSize * 10,
		MaxCost:     o.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("create query cache: %w", err)
	}

	return &Index{idx: idx, cache: cache, logger: o.logger}, nil
}

func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = en.AnalyzerName
	text.Store = true
	text.IncludeTermVectors = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true
	keyword.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("source", keyword)
	doc.AddFieldMappingsAt("kind", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = en.AnalyzerName
	return m
}

// Add indexes passages, replacing any with the same id, and drops cached
// query results.
func (x *Index) Add(ctx context.Context, passages ...Passage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}

	batch := x.idx.NewBatch()
	for _, p := range passages {
		if p.ID == "" {
			return fmt.Errorf("passage from %q has no id", p.Source)
		}
		if err := batch.Index(p.ID, map[string]any{
			"title":  p.Title,
			"text":   p.Text,
			"source": p.Source,
			"kind":   p.Kind,
		}); err != nil {
			return fmt.Errorf("index passage %s: %w", p.ID, err)
		}
	}
	if err := x.idx.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	x.cache.Clear()
	return nil
}

// AddPlans indexes one passage per whitelisted plan, built from its
// description and parameter list.
func (x *Index) AddPlans(ctx context.Context, plans []ir.PlanSchema) error {
	passages := make([]Passage, 0, len(plans))
	for _, p := range plans {
		var b strings.Builder
		b.WriteString(p.Description)
		for _, spec := range p.Parameters {
			fmt.Fprintf(&b, "\n%s (%s): %s", spec.Name, spec.Kind, spec.Description)
		}
		passages = append(passages, Passage{
			ID:     "plan:" + p.Name,
			Source: "whitelist",
			Kind:   KindPlan,
			Title:  p.Name,
			Text:   b.String(),
		})
	}
	return x.Add(ctx, passages...)
}

// Search returns up to k passages matching text, best first.
func (x *Index) Search(ctx context.Context, text string, k int) ([]Passage, error) {
	return x.search(ctx, text, "", k)
}

// SearchKind is Search restricted to one passage kind.
func (x *Index) SearchKind(ctx context.Context, text, kind string, k int) ([]Passage, error) {
	return x.search(ctx, text, kind, k)
}

func (x *Index) search(ctx context.Context, text, kind string, k int) ([]Passage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultLimit
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}

	key := kind + "|" + strconv.Itoa(k) + "|" + strings.ToLower(text)
	if v, ok := x.cache.Get(key); ok {
		if cached, ok := v.([]Passage); ok {
			return clonePassages(cached), nil
		}
	}

	match := bleve.NewMatchQuery(text)
	var req *bleve.SearchRequest
	if kind != "" {
		filter := bleve.NewTermQuery(kind)
		filter.SetField("kind")
		both := bleve.NewConjunctionQuery(match, filter)
		req = bleve.NewSearchRequestOptions(both, k, 0, false)
	} else {
		req = bleve.NewSearchRequestOptions(match, k, 0, false)
	}
	req.Fields = []string{"title", "text", "source", "kind"}

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", text, err)
	}

	out := make([]Passage, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, fromHit(hit))
	}
	x.cache.Set(key, clonePassages(out), 1)
	x.cache.Wait()
	x.logger.Debug("retrieval query", "query", text, "kind", kind, "hits", len(out))
	return out, nil
}

// Count returns the number of indexed passages.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrClosed
	}
	return x.idx.DocCount()
}

// Close releases the index and the cache.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.cache.Close()
	return x.idx.Close()
}

func fromHit(hit *search.DocumentMatch) Passage {
	field := func(name string) string {
		s, _ := hit.Fields[name].(string)
		return s
	}
	return Passage{
		ID:     hit.ID,
		Source: field("source"),
		Kind:   field("kind"),
		Title:  field("title"),
		Text:   field("text"),
		Score:  hit.Score,
	}
}

func clonePassages(in []Passage) []Passage {
	return append([]Passage(nil), in...)
}

// Package synth turns a natural-language command into an operation request
// by prompting the text oracle.
//
// The oracle's reply is untrusted: it is normalized, then strictly parsed
// into an ir.Document. Anything that does not parse is reported as a
// KindUnparseable GenerationError carrying the text that failed.
package synth

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/normalize"
	"github.com/roach88/querypilot/internal/oracle"
	"github.com/roach88/querypilot/internal/schema"
)

// DefaultCacheTTL is how long an oracle reply is reused for an identical
// (command, collection) pair.
const DefaultCacheTTL = 10 * time.Minute

//go:embed prompt.tmpl
var promptSource string

var promptTemplate = template.Must(template.New("prompt").Parse(promptSource))

type promptData struct {
	Collection string
	Schema     string
	Command    string
}

// Config configures a Synthesizer.
type Config struct {
	Oracle oracle.Oracle

	// Catalog supplies the schema block of the prompt. Nil renders a
	// no-information note.
	Catalog *schema.Catalog

	// CacheTTL is DefaultCacheTTL when zero. A negative TTL disables the
	// cache.
	CacheTTL time.Duration

	// Lenient retries a failed parse after a structural JSON repair.
	Lenient bool

	// Params is oracle.SynthesisParams when zero.
	Params oracle.Params

	Logger *slog.Logger

	// Now is time.Now when nil.
	Now func() time.Time
}

// Synthesis is a successful generation.
type Synthesis struct {
	Document ir.Document

	// Raw is the oracle's reply as received.
	Raw string

	// Normalized is the text that was parsed.
	Normalized string

	// Cached is true when the oracle was not called.
	Cached bool
}

// Synthesizer generates operation requests.
type Synthesizer struct {
	oracle  oracle.Oracle
	catalog *schema.Catalog
	lenient bool
	params  oracle.Params
	logger  *slog.Logger
	cache   *cache
}

// New creates a Synthesizer. It opens the in-memory generation cache unless
// the TTL disables it; Close releases it.
func New(cfg Config) (*Synthesizer, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("synth: oracle is required")
	}
	s := &Synthesizer{
		oracle:  cfg.Oracle,
		catalog: cfg.Catalog,
		lenient: cfg.Lenient,
		params:  cfg.Params,
		logger:  cfg.Logger,
	}
	if s.params == (oracle.Params{}) {
		s.params = oracle.SynthesisParams
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if ttl > 0 {
		now := cfg.Now
		if now == nil {
			now = time.Now
		}
		c, err := openCache(ttl, now)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// Close releases the generation cache.
func (s *Synthesizer) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.close()
}

// Prompt renders the synthesis prompt for userText against collection.
func (s *Synthesizer) Prompt(userText, collection string) (string, error) {
	data := promptData{
		Collection: collection,
		Schema:     fmt.Sprintf("No schema information is available for collection %q.", collection),
		Command:    userText,
	}
	if s.catalog != nil {
		data.Schema = s.catalog.Context(collection)
	}
	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// Synthesize generates an operation request for userText against
// collection. Failures are always *GenerationError.
func (s *Synthesizer) Synthesize(ctx context.Context, userText, collection string) (*Synthesis, error) {
	key := ir.SynthesisKey(userText, collection)

	if s.cache != nil {
		entry, ok, err := s.cache.get(key)
		if err != nil {
			s.logger.Warn("generation cache read failed", "error", err)
		}
		if ok {
			doc, err := ir.Parse(entry.Normalized)
			if err == nil {
				s.logger.Debug("generation cache hit", "collection", collection)
				return &Synthesis{Document: doc, Raw: entry.Raw, Normalized: entry.Normalized, Cached: true}, nil
			}
		}
	}

	prompt, err := s.Prompt(userText, collection)
	if err != nil {
		return nil, &GenerationError{Kind: KindUnexpectedShape, Err: err}
	}

	raw, err := s.oracle.Generate(ctx, prompt, s.params)
	if err != nil {
		return nil, &GenerationError{Kind: classify(err), Err: err}
	}
	s.logger.Debug("oracle reply", "raw", raw)

	normalized := normalize.Normalize(raw)
	doc, err := ir.Parse(normalized)
	if err != nil {
		if !s.lenient {
			return nil, &GenerationError{Kind: KindUnparseable, Raw: normalized, Err: err}
		}
		repaired, rerr := jsonrepair.JSONRepair(normalized)
		if rerr != nil {
			return nil, &GenerationError{Kind: KindUnparseable, Raw: normalized, Err: err}
		}
		if doc, rerr = ir.Parse(repaired); rerr != nil {
			return nil, &GenerationError{Kind: KindUnparseable, Raw: normalized, Err: err}
		}
		s.logger.Debug("oracle reply repaired", "repaired", repaired)
		normalized = repaired
	}

	if s.cache != nil {
		if err := s.cache.put(key, cacheEntry{Raw: raw, Normalized: normalized}); err != nil {
			s.logger.Warn("generation cache write failed", "error", err)
		}
	}
	return &Synthesis{Document: doc, Raw: raw, Normalized: normalized}, nil
}

func classify(err error) Kind {
	switch {
	case oracle.IsMissingCredential(err):
		return KindMissingCredential
	case oracle.IsUnexpectedShape(err):
		return KindUnexpectedShape
	default:
		return KindNetwork
	}
}

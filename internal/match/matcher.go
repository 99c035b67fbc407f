// Package match maps arbitrary input field names to candidate schema columns
// using a tiered strategy: exact name, learned alias, builtin alias, and
// finally edit-distance similarity.
//
// The matcher only proposes candidates. Deciding which candidate to accept
// (or asking a human) is the caller's job.
package match

import (
	"sort"

	"github.com/koustreak/schemagate/internal/ident"
	"github.com/koustreak/schemagate/internal/schema"
)

// Tier identifies which strategy produced a candidate.
type Tier string

const (
	TierExact        Tier = "exact"
	TierLearnedAlias Tier = "learned_alias"
	TierBuiltinAlias Tier = "builtin_alias"
	TierFuzzy        Tier = "fuzzy"
)

// rank orders tiers for tie-breaking; lower is stronger.
func (t Tier) rank() int {
	switch t {
	case TierExact:
		return 0
	case TierLearnedAlias:
		return 1
	case TierBuiltinAlias:
		return 2
	default:
		return 3
	}
}

// Candidate is one proposed mapping from a source field to a column.
type Candidate struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Tier       Tier    `json:"tier"`
}

// Options holds the tuning constants of the matcher.
type Options struct {
	ExactConfidence   float64 `mapstructure:"exact_confidence" json:"exact_confidence"`
	LearnedConfidence float64 `mapstructure:"learned_confidence" json:"learned_confidence"`
	BuiltinConfidence float64 `mapstructure:"builtin_confidence" json:"builtin_confidence"`

	// FuzzyFloor is the similarity a column must exceed to be proposed.
	FuzzyFloor float64 `mapstructure:"fuzzy_floor" json:"fuzzy_floor"`
	// Confidence at FuzzyFloor and at similarity 1.0; scaled linearly between.
	FuzzyMinConfidence float64 `mapstructure:"fuzzy_min_confidence" json:"fuzzy_min_confidence"`
	FuzzyMaxConfidence float64 `mapstructure:"fuzzy_max_confidence" json:"fuzzy_max_confidence"`

	// MinConfidence is the bar a tier must reach to stop the search.
	MinConfidence float64 `mapstructure:"min_confidence" json:"min_confidence"`
	TopK          int     `mapstructure:"top_k" json:"top_k"`
}

// DefaultOptions returns the empirically chosen constants.
func DefaultOptions() Options {
	return Options{
		ExactConfidence:    0.98,
		LearnedConfidence:  0.90,
		BuiltinConfidence:  0.85,
		FuzzyFloor:         0.60,
		FuzzyMinConfidence: 0.60,
		FuzzyMaxConfidence: 0.80,
		MinConfidence:      0.50,
		TopK:               5,
	}
}

// Matcher proposes column candidates. It holds no mutable state and is safe
// for concurrent use.
type Matcher struct {
	opts Options
}

// New creates a Matcher. A zero Options means DefaultOptions. Otherwise the
// tier confidences, FuzzyMaxConfidence and TopK fall back per field when not
// positive, while FuzzyFloor, FuzzyMinConfidence and MinConfidence take 0 as
// a real value and fall back only when negative.
func New(opts Options) *Matcher {
	def := DefaultOptions()
	if opts == (Options{}) {
		return &Matcher{opts: def}
	}
	if opts.ExactConfidence <= 0 {
		opts.ExactConfidence = def.ExactConfidence
	}
	if opts.LearnedConfidence <= 0 {
		opts.LearnedConfidence = def.LearnedConfidence
	}
	if opts.BuiltinConfidence <= 0 {
		opts.BuiltinConfidence = def.BuiltinConfidence
	}
	if opts.FuzzyFloor < 0 {
		opts.FuzzyFloor = def.FuzzyFloor
	}
	if opts.FuzzyMinConfidence < 0 {
		opts.FuzzyMinConfidence = def.FuzzyMinConfidence
	}
	if opts.FuzzyMaxConfidence <= 0 {
		opts.FuzzyMaxConfidence = def.FuzzyMaxConfidence
	}
	if opts.MinConfidence < 0 {
		opts.MinConfidence = def.MinConfidence
	}
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	return &Matcher{opts: opts}
}

// Options returns the effective options.
func (m *Matcher) Options() Options {
	return m.opts
}

// Match returns the candidates for source against table, strongest first.
// builtin and learned may be nil.
func (m *Matcher) Match(source string, table *schema.Table, builtin, learned Aliases) []Candidate {
	if table == nil || len(table.Columns) == 0 {
		return nil
	}
	key := ident.Normalize(source)
	if key == "" {
		return nil
	}

	tiers := []func() []Candidate{
		func() []Candidate { return m.exact(source, key, table) },
		func() []Candidate { return m.alias(source, key, table, learned, TierLearnedAlias, m.opts.LearnedConfidence) },
		func() []Candidate { return m.alias(source, key, table, builtin, TierBuiltinAlias, m.opts.BuiltinConfidence) },
		func() []Candidate { return m.fuzzy(source, table) },
	}

	for _, tier := range tiers {
		found := tier()
		if !m.reachesBar(found) {
			continue
		}
		sortCandidates(found)
		if len(found) > m.opts.TopK {
			found = found[:m.opts.TopK]
		}
		return found
	}
	return nil
}

func (m *Matcher) reachesBar(cands []Candidate) bool {
	for _, c := range cands {
		if c.Confidence >= m.opts.MinConfidence {
			return true
		}
	}
	return false
}

func (m *Matcher) exact(source, key string, table *schema.Table) []Candidate {
	var out []Candidate
	for _, col := range table.Columns {
		if ident.Normalize(col.Name) == key {
			out = append(out, Candidate{Source: source, Target: col.Name, Confidence: m.opts.ExactConfidence, Tier: TierExact})
		}
	}
	return out
}

func (m *Matcher) alias(source, key string, table *schema.Table, aliases Aliases, tier Tier, confidence float64) []Candidate {
	var out []Candidate
	for _, target := range aliases.Lookup(key) {
		if !table.HasColumn(target) {
			continue
		}
		out = append(out, Candidate{Source: source, Target: target, Confidence: confidence, Tier: tier})
	}
	return out
}

func (m *Matcher) fuzzy(source string, table *schema.Table) []Candidate {
	compact := ident.Compact(source)
	var out []Candidate
	for _, col := range table.Columns {
		sim := Similarity(compact, ident.Compact(col.Name))
		if sim <= m.opts.FuzzyFloor {
			continue
		}
		out = append(out, Candidate{Source: source, Target: col.Name, Confidence: m.scaleFuzzy(sim), Tier: TierFuzzy})
	}
	return out
}

// scaleFuzzy maps a similarity in (FuzzyFloor, 1] onto
// (FuzzyMinConfidence, FuzzyMaxConfidence].
func (m *Matcher) scaleFuzzy(sim float64) float64 {
	span := 1 - m.opts.FuzzyFloor
	if span <= 0 {
		return m.opts.FuzzyMaxConfidence
	}
	ratio := (sim - m.opts.FuzzyFloor) / span
	return m.opts.FuzzyMinConfidence + ratio*(m.opts.FuzzyMaxConfidence-m.opts.FuzzyMinConfidence)
}

// sortCandidates orders by confidence, then tier priority, then target name
// so the output is fully deterministic.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Confidence != c[j].Confidence {
			return c[i].Confidence > c[j].Confidence
		}
		if c[i].Tier.rank() != c[j].Tier.rank() {
			return c[i].Tier.rank() < c[j].Tier.rank()
		}
		return c[i].Target < c[j].Target
	})
}

package creditsync

import (
	"fmt"
	"math"
	"regexp"
)

// Class is the billing outcome of a single entry.
type Class string

const (
	ClassFree    Class = "free"
	ClassFixed   Class = "fixed"
	ClassMetered Class = "metered"
)

// roundingEpsilon absorbs float noise such as 3*0.7 = 2.0999999999999996
// before rounding up, so the same input always yields the same credits.
const roundingEpsilon = 1e-9

// Breakdown explains how a cumulative cost was reached.
type Breakdown struct {
	PolicyVersion string  `json:"policy_version"`
	Entries       int     `json:"entries"`
	Free          int     `json:"free"`
	Fixed         int     `json:"fixed"`
	Metered       int     `json:"metered"`
	SystemScore   float64 `json:"system_score"`
	UserScore     float64 `json:"user_score"`
	Total         int64   `json:"total"`
}

// Calculator derives the cumulative cost of a transcript. It is a pure
// function of the policy and the entries, safe for concurrent use.
type Calculator struct {
	policy     Policy
	free       []*regexp.Regexp
	system     []*regexp.Regexp
	kinds      map[string]bool
	extractors []TextExtractor
}

// NewCalculator compiles the policy. Zero-valued policy fields take their
// defaults.
func NewCalculator(p Policy) (*Calculator, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	free, _ := compilePatterns(p.FreePatterns)
	system, _ := compilePatterns(p.SystemPatterns)

	kinds := make(map[string]bool, len(p.BillableKinds))
	for _, k := range p.BillableKinds {
		kinds[k] = true
	}

	return &Calculator{
		policy:     p,
		free:       free,
		system:     system,
		kinds:      kinds,
		extractors: DefaultExtractors,
	}, nil
}

// MustCalculator is like NewCalculator but panics on an invalid policy.
func MustCalculator(p Policy) *Calculator {
	c, err := NewCalculator(p)
	if err != nil {
		panic(fmt.Sprintf("creditsync: %v", err))
	}
	return c
}

// Policy returns the effective policy.
func (c *Calculator) Policy() Policy { return c.policy }

// Calculate returns the cumulative cost of entries. Per-entry user
// discounts are rounded up, the real-valued sum is rounded up once more.
func (c *Calculator) Calculate(entries []Entry) Breakdown {
	b := Breakdown{
		PolicyVersion: c.policy.Version,
		Entries:       len(entries),
	}

	texts := make([]string, len(entries))
	firstUser := len(entries)
	for i, e := range entries {
		if !c.kinds[e.Kind] {
			continue
		}
		texts[i] = ExtractText(e.Payload, c.extractors)
		if e.Source == SourceUser && texts[i] != "" && i < firstUser {
			firstUser = i
		}
	}

	for i, e := range entries {
		greeting := c.policy.GreetingFree && i < firstUser
		class := c.classify(e, texts[i], greeting)

		switch class {
		case ClassFree:
			b.Free++
		case ClassFixed:
			b.Fixed++
			c.addScore(&b, e.Source, float64(c.policy.FixedCost))
		case ClassMetered:
			b.Metered++
			c.addScore(&b, e.Source, c.meteredCost(e.Source, CountWords(texts[i])))
		}
	}

	b.Total = ceilCredits(b.SystemScore + b.UserScore)
	return b
}

// Classify returns the billing class of a single entry, ignoring the
// greeting phase.
func (c *Calculator) Classify(e Entry) Class {
	if !c.kinds[e.Kind] {
		return ClassFree
	}
	return c.classify(e, ExtractText(e.Payload, c.extractors), false)
}

func (c *Calculator) classify(e Entry, text string, greeting bool) Class {
	if text == "" || !c.kinds[e.Kind] {
		return ClassFree
	}
	if e.Source != SourceSystem && e.Source != SourceUser {
		return ClassFree
	}
	if greeting && e.Source == SourceSystem {
		return ClassFree
	}
	if matchAny(c.free, text) {
		return ClassFree
	}

	words := CountWords(text)
	if e.Source == SourceUser && words <= c.policy.FreeMaxWords {
		return ClassFree
	}
	if matchAny(c.system, text) {
		return ClassFixed
	}
	if e.Source == SourceSystem && words <= c.policy.FixedMaxWords {
		return ClassFixed
	}
	return ClassMetered
}

// meteredCost is max(1, ceil(words/W)), discounted and rounded up for
// user entries.
func (c *Calculator) meteredCost(src Source, words int) float64 {
	w := c.policy.WordsPerCredit
	base := int64((words + w - 1) / w)
	if base < 1 {
		base = 1
	}
	if src == SourceUser {
		return float64(ceilCredits(float64(base) * c.policy.UserRate))
	}
	return float64(base)
}

func (c *Calculator) addScore(b *Breakdown, src Source, v float64) {
	if src == SourceUser {
		b.UserScore += v
	} else {
		b.SystemScore += v
	}
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func ceilCredits(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(math.Ceil(v - roundingEpsilon))
}

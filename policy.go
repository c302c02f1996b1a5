package creditsync

import (
	"fmt"
	"regexp"
)

// Policy holds the pricing constants of the cost calculator. It is
// versioned so a historical recomputation can name the rules it used.
type Policy struct {
	Version        string   `yaml:"version" toml:"version"`
	WordsPerCredit int      `yaml:"words_per_credit" toml:"words_per_credit"`
	UserRate       float64  `yaml:"user_rate" toml:"user_rate"`
	FixedCost      int64    `yaml:"fixed_cost" toml:"fixed_cost"`
	FixedMaxWords  int      `yaml:"fixed_max_words" toml:"fixed_max_words"`
	FreeMaxWords   int      `yaml:"free_max_words" toml:"free_max_words"`
	FreePatterns   []string `yaml:"free_patterns" toml:"free_patterns"`
	SystemPatterns []string `yaml:"system_patterns" toml:"system_patterns"`
	BillableKinds  []string `yaml:"billable_kinds" toml:"billable_kinds"`

	// GreetingFree makes every system entry before the first user entry free.
	GreetingFree bool `yaml:"greeting_free" toml:"greeting_free"`
}

// DefaultPolicy returns the pricing used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		Version:        "v1",
		WordsPerCredit: 50,
		UserRate:       0.5,
		FixedCost:      1,
		FixedMaxWords:  5,
		FreeMaxWords:   1,
		BillableKinds:  []string{"text"},
	}
}

// withDefaults fills zero-valued fields from DefaultPolicy. A policy that
// names its version is taken as authored, so its zero UserRate, FixedCost
// and word thresholds are kept.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Version == "" {
		p.Version = def.Version
		if p.UserRate == 0 {
			p.UserRate = def.UserRate
		}
		if p.FixedMaxWords == 0 {
			p.FixedMaxWords = def.FixedMaxWords
		}
		if p.FreeMaxWords == 0 {
			p.FreeMaxWords = def.FreeMaxWords
		}
		if p.FixedCost == 0 {
			p.FixedCost = def.FixedCost
		}
	}
	if p.WordsPerCredit == 0 {
		p.WordsPerCredit = def.WordsPerCredit
	}
	if len(p.BillableKinds) == 0 {
		p.BillableKinds = def.BillableKinds
	}
	return p
}

// Validate checks the policy for consistency.
func (p Policy) Validate() error {
	if p.WordsPerCredit <= 0 {
		return fmt.Errorf("creditsync: policy: words_per_credit must be > 0, got %d", p.WordsPerCredit)
	}
	if p.UserRate < 0 || p.UserRate > 1 {
		return fmt.Errorf("creditsync: policy: user_rate must be within [0, 1], got %g", p.UserRate)
	}
	if p.FixedCost < 0 {
		return fmt.Errorf("creditsync: policy: fixed_cost must be >= 0, got %d", p.FixedCost)
	}
	if p.FixedMaxWords < 0 || p.FreeMaxWords < 0 {
		return fmt.Errorf("creditsync: policy: word thresholds must be >= 0")
	}
	if _, err := compilePatterns(p.FreePatterns); err != nil {
		return fmt.Errorf("creditsync: policy: free_patterns: %w", err)
	}
	if _, err := compilePatterns(p.SystemPatterns); err != nil {
		return fmt.Errorf("creditsync: policy: system_patterns: %w", err)
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("[%d] %q: %w", i, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

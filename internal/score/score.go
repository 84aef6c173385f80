// Package score implements the relevance scorer.
//
// Scoring is a pure function over (compiled rules, candidate): no I/O, no
// side effects, deterministic. Missing or empty candidate fields simply do
// not match.
package score

import (
	"fmt"
	"math"
	"strings"

	"tenderwatch/internal/expand"
	"tenderwatch/internal/filter"
	"tenderwatch/internal/model"
)

// Result is the outcome of scoring one (filter, candidate) pair.
// Either Rejected is set with a reason, or Score is in [1, 100].
type Result struct {
	Rejected bool
	Reason   string
	Score    int
	Matched  []string
}

func rejected(reason string) Result {
	return Result{Rejected: true, Reason: reason}
}

// Score evaluates a candidate against compiled filter rules.
//
// Exclusions always dominate: any exclusion keyword in an in-scope field, a
// blacklisted counterparty, or a violated price/region/category constraint
// rejects the candidate regardless of positive matches. The positive pass
// counts each keyword once, weighted, and normalizes the sum to 0-100
// against the filter's maximum achievable sum. A zero score is itself a
// rejection.
//
// Keyword and exclusion terms are matched as substrings after a light
// inflection stem, in both match modes: "насосы" matches "насосов" even in
// exact mode. Expanded mode additionally consults the expansion provider
// for synonym variants.
func Score(r *filter.Rules, c *model.Candidate, exp expand.Provider) Result {
	fields := scopedFields(r.Scopes, c)

	// Hard veto pass.
	for _, kw := range r.ExcludeKeywords {
		for _, text := range fields {
			if containsTerm(text, kw) {
				return rejected(fmt.Sprintf("exclusion keyword %q", kw))
			}
		}
	}
	if r.ExcludeEntities.Contains(c.Counterparty) {
		return rejected(fmt.Sprintf("excluded counterparty %q", c.Counterparty))
	}
	if r.Price != nil {
		if c.Price == nil {
			return rejected("price required but unknown")
		}
		if r.Price.Min != nil && *c.Price < *r.Price.Min {
			return rejected(fmt.Sprintf("price %.2f below minimum %.2f", *c.Price, *r.Price.Min))
		}
		if r.Price.Max != nil && *c.Price > *r.Price.Max {
			return rejected(fmt.Sprintf("price %.2f above maximum %.2f", *c.Price, *r.Price.Max))
		}
	}
	if !r.Regions.Empty() && !r.Regions.Contains(c.Region) {
		return rejected(fmt.Sprintf("region %q not allowed", c.Region))
	}
	if !r.Categories.Empty() && !r.Categories.Contains(c.Category) {
		return rejected(fmt.Sprintf("category %q not allowed", c.Category))
	}

	// A filter with only range/categorical criteria scores full once the
	// veto pass admits the candidate.
	if r.MaxRaw == 0 {
		if r.HasRangeCriteria() {
			return Result{Score: 100}
		}
		return rejected("no criteria matched")
	}

	// Positive matching pass: each keyword counts once.
	raw := 0
	var matched []string
	for _, kw := range r.Keywords {
		if keywordMatches(kw.Term, fields, r.MatchMode, exp) {
			raw += kw.Weight
			matched = append(matched, kw.Term)
		}
	}

	s := int(math.Round(float64(raw) / float64(r.MaxRaw) * 100))
	if s <= 0 {
		return rejected("no keywords matched")
	}
	if s > 100 {
		s = 100
	}
	return Result{Score: s, Matched: matched}
}

func keywordMatches(term string, fields []string, mode model.MatchMode, exp expand.Provider) bool {
	for _, text := range fields {
		if containsTerm(text, term) {
			return true
		}
	}
	if mode != model.MatchExpanded || exp == nil {
		return false
	}
	for _, variant := range exp.ExpansionsFor(term) {
		variant = strings.ToLower(strings.TrimSpace(variant))
		if variant == "" {
			continue
		}
		for _, text := range fields {
			if containsTerm(text, variant) {
				return true
			}
		}
	}
	return false
}

// inflectionTails are trailing letters stripped when stemming a term, so
// that a keyword matches its case and number forms ("насосы" ~ "насосов").
// Synonym expansion is a separate, externally supplied mechanism.
const inflectionTails = "аеёиоуыэюяйь"

// containsTerm reports whether text contains the term, tolerating
// inflectional endings on the term.
func containsTerm(text, term string) bool {
	return strings.Contains(text, stem(term))
}

// stem strips trailing inflection letters down to a minimum stem of three
// runes. Terms too short to stem are matched literally.
func stem(term string) string {
	runes := []rune(term)
	for len(runes) > 3 && strings.ContainsRune(inflectionTails, runes[len(runes)-1]) {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}

// scopedFields returns the lowercase in-scope text fields of a candidate.
func scopedFields(scopes []model.Scope, c *model.Candidate) []string {
	var fields []string
	for _, s := range scopes {
		switch s {
		case model.ScopeTitle:
			fields = append(fields, strings.ToLower(c.Title))
		case model.ScopeDescription:
			fields = append(fields, strings.ToLower(c.Description))
		default:
			fields = append(fields, strings.ToLower(c.Title), strings.ToLower(c.Description))
		}
	}
	return fields
}

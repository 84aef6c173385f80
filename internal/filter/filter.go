// Package filter implements criteria validation and rule compilation.
//
// A stored filter is a bag of raw user input. Validate checks it once at
// authoring time; Compile turns it into the typed rule set the scorer
// interprets. Compilation can still fail for filters that were stored before
// validation tightened, which is the per-filter failure the orchestrator
// isolates.
package filter

import (
	"fmt"
	"strings"

	"tenderwatch/internal/model"
)

// Default keyword weights.
const (
	WeightPrimary   = 2
	WeightSecondary = 1
)

// ValidationError describes why a filter was rejected at authoring time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid filter: %s: %s", e.Field, e.Reason)
}

// Validate checks a raw filter against the authoring contract.
// At least one of the keyword sets must be non-empty unless a price range or
// a categorical set is present; a price range must be ordered.
func Validate(f *model.Filter) error {
	if f.UserID == 0 {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}

	hasKeywords := len(f.PrimaryKeywords) > 0 || len(f.SecondaryKeywords) > 0
	hasRanges := f.PriceMin != nil || f.PriceMax != nil ||
		len(f.Regions) > 0 || len(f.Categories) > 0
	if !hasKeywords && !hasRanges {
		return &ValidationError{Field: "keywords", Reason: "at least one keyword or range criterion required"}
	}

	if f.PriceMin != nil && f.PriceMax != nil && *f.PriceMin > *f.PriceMax {
		return &ValidationError{Field: "price", Reason: "price_min exceeds price_max"}
	}
	if f.PriceMin != nil && *f.PriceMin < 0 {
		return &ValidationError{Field: "price_min", Reason: "negative"}
	}

	switch f.MatchMode {
	case model.MatchExact, model.MatchExpanded:
	case "":
		return &ValidationError{Field: "match_mode", Reason: "required"}
	default:
		return &ValidationError{Field: "match_mode", Reason: fmt.Sprintf("unknown mode %q", f.MatchMode)}
	}

	for _, s := range f.Scopes {
		switch s {
		case model.ScopeTitle, model.ScopeDescription, model.ScopeAll:
		default:
			return &ValidationError{Field: "scopes", Reason: fmt.Sprintf("unknown scope %q", s)}
		}
	}

	for _, kw := range append(append([]string{}, f.PrimaryKeywords...), f.SecondaryKeywords...) {
		if strings.TrimSpace(kw) == "" {
			return &ValidationError{Field: "keywords", Reason: "empty keyword"}
		}
	}

	return nil
}

// Keyword is one positive matching term with its weight.
type Keyword struct {
	Term   string
	Weight int
}

// PriceRange vetoes candidates whose price falls outside [Min, Max].
// A nil bound is open.
type PriceRange struct {
	Min *float64
	Max *float64
}

// SetRule vetoes candidates whose field value is outside the allowed set
// (allow mode) or inside the denied set (deny mode).
type SetRule struct {
	Values map[string]struct{}
}

// Contains reports whether v is in the set, case-insensitively.
func (r *SetRule) Contains(v string) bool {
	if r == nil || len(r.Values) == 0 {
		return false
	}
	_, ok := r.Values[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// Empty reports whether the set carries no values.
func (r *SetRule) Empty() bool {
	return r == nil || len(r.Values) == 0
}

// Rules is the compiled form of one filter, interpreted by the scorer.
type Rules struct {
	FilterID int64
	UserID   int64

	Keywords        []Keyword
	ExcludeKeywords []string

	ExcludeEntities *SetRule
	Regions         *SetRule
	Categories      *SetRule
	Price           *PriceRange

	Scopes    []model.Scope
	MatchMode model.MatchMode

	// MaxRaw is the maximum achievable weighted sum, used for normalization.
	MaxRaw int
}

// HasRangeCriteria reports whether the filter carries any numeric or
// categorical positive criterion.
func (r *Rules) HasRangeCriteria() bool {
	return r.Price != nil || !r.Regions.Empty() || !r.Categories.Empty()
}

// Compile builds the rule set for a stored filter. It re-checks the parts of
// the authoring contract the scorer depends on, so a malformed stored filter
// fails here instead of corrupting evaluation.
func Compile(f *model.Filter) (*Rules, error) {
	if f.MatchMode != model.MatchExact && f.MatchMode != model.MatchExpanded {
		return nil, fmt.Errorf("compile filter %d: unknown match mode %q", f.ID, f.MatchMode)
	}
	if f.PriceMin != nil && f.PriceMax != nil && *f.PriceMin > *f.PriceMax {
		return nil, fmt.Errorf("compile filter %d: inverted price range [%v, %v]", f.ID, *f.PriceMin, *f.PriceMax)
	}

	r := &Rules{
		FilterID:  f.ID,
		UserID:    f.UserID,
		Scopes:    normalizeScopes(f.Scopes),
		MatchMode: f.MatchMode,
	}

	for _, kw := range f.PrimaryKeywords {
		term := strings.ToLower(strings.TrimSpace(kw))
		if term == "" {
			return nil, fmt.Errorf("compile filter %d: empty primary keyword", f.ID)
		}
		r.Keywords = append(r.Keywords, Keyword{Term: term, Weight: WeightPrimary})
		r.MaxRaw += WeightPrimary
	}
	for _, kw := range f.SecondaryKeywords {
		term := strings.ToLower(strings.TrimSpace(kw))
		if term == "" {
			return nil, fmt.Errorf("compile filter %d: empty secondary keyword", f.ID)
		}
		r.Keywords = append(r.Keywords, Keyword{Term: term, Weight: WeightSecondary})
		r.MaxRaw += WeightSecondary
	}

	for _, kw := range f.ExcludeKeywords {
		term := strings.ToLower(strings.TrimSpace(kw))
		if term != "" {
			r.ExcludeKeywords = append(r.ExcludeKeywords, term)
		}
	}

	r.ExcludeEntities = newSetRule(f.ExcludeEntities)
	r.Regions = newSetRule(f.Regions)
	r.Categories = newSetRule(f.Categories)

	if f.PriceMin != nil || f.PriceMax != nil {
		r.Price = &PriceRange{Min: f.PriceMin, Max: f.PriceMax}
	}

	if r.MaxRaw == 0 && !r.HasRangeCriteria() {
		return nil, fmt.Errorf("compile filter %d: no keywords and no range criteria", f.ID)
	}

	return r, nil
}

func newSetRule(values []string) *SetRule {
	if len(values) == 0 {
		return &SetRule{}
	}
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			m[v] = struct{}{}
		}
	}
	return &SetRule{Values: m}
}

// normalizeScopes collapses an empty or ScopeAll-containing scope list to
// the full scope.
func normalizeScopes(scopes []model.Scope) []model.Scope {
	if len(scopes) == 0 {
		return []model.Scope{model.ScopeAll}
	}
	for _, s := range scopes {
		if s == model.ScopeAll {
			return []model.Scope{model.ScopeAll}
		}
	}
	return scopes
}

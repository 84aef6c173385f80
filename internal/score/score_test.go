package score

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"tenderwatch/internal/expand"
	"tenderwatch/internal/filter"
	"tenderwatch/internal/model"
)

func ptr(v float64) *float64 { return &v }

func compile(t *testing.T, f *model.Filter) *filter.Rules {
	t.Helper()
	if f.MatchMode == "" {
		f.MatchMode = model.MatchExact
	}
	if f.UserID == 0 {
		f.UserID = 1
	}
	rules, err := filter.Compile(f)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return rules
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		filter    model.Filter
		candidate model.Candidate
		exp       expand.Provider
		want      Result
	}{
		{
			name: "full match with price in range",
			filter: model.Filter{
				PrimaryKeywords:   []string{"насосы"},
				SecondaryKeywords: []string{"погружной"},
				PriceMin:          ptr(100000),
				PriceMax:          ptr(5000000),
			},
			candidate: model.Candidate{
				Title: "Поставка погружных насосов",
				Price: ptr(2000000),
			},
			want: Result{Score: 100, Matched: []string{"насосы", "погружной"}},
		},
		{
			name: "price above range rejects despite keyword match",
			filter: model.Filter{
				PrimaryKeywords:   []string{"насосы"},
				SecondaryKeywords: []string{"погружной"},
				PriceMin:          ptr(100000),
				PriceMax:          ptr(5000000),
			},
			candidate: model.Candidate{
				Title: "Поставка погружных насосов",
				Price: ptr(6000000),
			},
			want: Result{Rejected: true, Reason: "price 6000000.00 above maximum 5000000.00"},
		},
		{
			name: "price below range rejects",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				PriceMin:        ptr(100000),
			},
			candidate: model.Candidate{
				Title: "Насосы центробежные",
				Price: ptr(50000),
			},
			want: Result{Rejected: true, Reason: "price 50000.00 below minimum 100000.00"},
		},
		{
			name: "unknown price with price constraint rejects",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				PriceMax:        ptr(100000),
			},
			candidate: model.Candidate{Title: "Насосы"},
			want:      Result{Rejected: true, Reason: "price required but unknown"},
		},
		{
			name: "exclusion keyword dominates positive matches",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы", "оборудование"},
				ExcludeKeywords: []string{"ремонт"},
			},
			candidate: model.Candidate{
				Title:       "Насосы и оборудование",
				Description: "Ремонт насосного оборудования",
			},
			want: Result{Rejected: true, Reason: `exclusion keyword "ремонт"`},
		},
		{
			name: "excluded counterparty dominates",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				ExcludeEntities: []string{"7701234567"},
			},
			candidate: model.Candidate{
				Title:        "Насосы",
				Counterparty: "7701234567",
			},
			want: Result{Rejected: true, Reason: `excluded counterparty "7701234567"`},
		},
		{
			name: "region not in allowed set rejects",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				Regions:         []string{"москва", "спб"},
			},
			candidate: model.Candidate{Title: "Насосы", Region: "Казань"},
			want:      Result{Rejected: true, Reason: `region "Казань" not allowed`},
		},
		{
			name: "region in allowed set passes",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				Regions:         []string{"москва", "спб"},
			},
			candidate: model.Candidate{Title: "Насосы", Region: "Москва"},
			want:      Result{Score: 100, Matched: []string{"насосы"}},
		},
		{
			name: "category outside allowed set rejects",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				Categories:      []string{"44-fz"},
			},
			candidate: model.Candidate{Title: "Насосы", Category: "223-fz"},
			want:      Result{Rejected: true, Reason: `category "223-fz" not allowed`},
		},
		{
			name: "partial match scores proportionally",
			filter: model.Filter{
				PrimaryKeywords:   []string{"насосы"},
				SecondaryKeywords: []string{"погружной"},
			},
			candidate: model.Candidate{Title: "Поставка насосов центробежных"},
			want:      Result{Score: 67, Matched: []string{"насосы"}},
		},
		{
			name: "secondary only scores low",
			filter: model.Filter{
				PrimaryKeywords:   []string{"насосы"},
				SecondaryKeywords: []string{"погружной"},
			},
			candidate: model.Candidate{Title: "Погружной агрегат"},
			want:      Result{Score: 33, Matched: []string{"погружной"}},
		},
		{
			name: "no keywords matched rejects with zero score",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
			},
			candidate: model.Candidate{Title: "Канцелярские товары"},
			want:      Result{Rejected: true, Reason: "no keywords matched"},
		},
		{
			name: "keyword in both fields counts once",
			filter: model.Filter{
				PrimaryKeywords:   []string{"насосы"},
				SecondaryKeywords: []string{"погружной"},
			},
			candidate: model.Candidate{
				Title:       "Насосы",
				Description: "Насосы насосы насосы",
			},
			want: Result{Score: 67, Matched: []string{"насосы"}},
		},
		{
			name: "matching is case insensitive",
			filter: model.Filter{
				PrimaryKeywords: []string{"НАСОСЫ"},
			},
			candidate: model.Candidate{Title: "поставка насосов"},
			want:      Result{Score: 100, Matched: []string{"насосы"}},
		},
		{
			name: "title scope ignores description",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				Scopes:          []model.Scope{model.ScopeTitle},
			},
			candidate: model.Candidate{
				Title:       "Поставка оборудования",
				Description: "Насосы погружные",
			},
			want: Result{Rejected: true, Reason: "no keywords matched"},
		},
		{
			name: "exclusion respects scope",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
				ExcludeKeywords: []string{"ремонт"},
				Scopes:          []model.Scope{model.ScopeTitle},
			},
			candidate: model.Candidate{
				Title:       "Насосы",
				Description: "Ремонт не требуется",
			},
			want: Result{Score: 100, Matched: []string{"насосы"}},
		},
		{
			name: "range-only filter scores full when admitted",
			filter: model.Filter{
				PriceMin: ptr(100000),
				PriceMax: ptr(500000),
				Regions:  []string{"москва"},
			},
			candidate: model.Candidate{
				Title:  "Любая закупка",
				Price:  ptr(300000),
				Region: "Москва",
			},
			want: Result{Score: 100},
		},
		{
			name: "expanded mode matches a variant",
			filter: model.Filter{
				PrimaryKeywords: []string{"насос"},
				MatchMode:       model.MatchExpanded,
			},
			candidate: model.Candidate{Title: "Поставка помп для скважин"},
			exp:       expand.StaticProvider{"насос": {"помпа", "помп"}},
			want:      Result{Score: 100, Matched: []string{"насос"}},
		},
		{
			name: "exact mode ignores expansions",
			filter: model.Filter{
				PrimaryKeywords: []string{"насос"},
				MatchMode:       model.MatchExact,
			},
			candidate: model.Candidate{Title: "Поставка помп для скважин"},
			exp:       expand.StaticProvider{"насос": {"помпа", "помп"}},
			want:      Result{Rejected: true, Reason: "no keywords matched"},
		},
		{
			name: "empty candidate fields do not match",
			filter: model.Filter{
				PrimaryKeywords: []string{"насосы"},
			},
			candidate: model.Candidate{},
			want:      Result{Rejected: true, Reason: "no keywords matched"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.filter
			rules := compile(t, &f)
			got := Score(rules, &tt.candidate, tt.exp)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Score() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Scores are always Rejected or in [1, 100], whatever the mix of weights.
func TestScoreBounds(t *testing.T) {
	f := model.Filter{
		UserID:            1,
		PrimaryKeywords:   []string{"a", "b", "c"},
		SecondaryKeywords: []string{"d", "e"},
		MatchMode:         model.MatchExact,
	}
	rules, err := filter.Compile(&f)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	candidates := []model.Candidate{
		{Title: "a b c d e"},
		{Title: "a"},
		{Title: "e"},
		{Title: "x y z"},
		{},
	}
	for _, c := range candidates {
		got := Score(rules, &c, nil)
		if got.Rejected {
			continue
		}
		if got.Score < 1 || got.Score > 100 {
			t.Errorf("candidate %q: score %d out of [1, 100]", c.Title, got.Score)
		}
	}
}

// Determinism: the same pair always produces the same result.
func TestScoreDeterministic(t *testing.T) {
	f := model.Filter{
		UserID:            1,
		PrimaryKeywords:   []string{"насосы"},
		SecondaryKeywords: []string{"погружной", "скважина"},
		MatchMode:         model.MatchExact,
	}
	rules, err := filter.Compile(&f)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	c := model.Candidate{Title: "Погружные насосы для скважин"}

	first := Score(rules, &c, nil)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, Score(rules, &c, nil)); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

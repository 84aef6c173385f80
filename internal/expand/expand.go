// Package expand defines the keyword expansion collaborator interface.
//
// Expansion sets (synonyms, morphological variants) are computed elsewhere;
// this package only consumes them. The scorer consults a Provider when a
// filter runs in expanded match mode.
package expand

import "strings"

// Provider supplies precomputed expansions for a keyword.
type Provider interface {
	ExpansionsFor(keyword string) []string
}

// StaticProvider is a Provider backed by a fixed table, typically loaded
// from configuration. Keys are matched case-insensitively.
type StaticProvider map[string][]string

// NewStaticProvider builds a StaticProvider with normalized keys.
func NewStaticProvider(table map[string][]string) StaticProvider {
	p := make(StaticProvider, len(table))
	for k, v := range table {
		p[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return p
}

// ExpansionsFor returns the expansion set for keyword, or nil.
func (p StaticProvider) ExpansionsFor(keyword string) []string {
	return p[strings.ToLower(strings.TrimSpace(keyword))]
}

// None is a Provider with no expansions, used when every filter runs in
// exact mode.
var None Provider = StaticProvider(nil)

// Package rules holds the keyword rule set driving relevance decisions.
// All lists are matched case-insensitively as substrings, except the watched
// author list which is an exact (case-insensitive) membership check. A Set is
// immutable after construction and safe for unsynchronized concurrent reads.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultRules []byte

// File is the on-disk YAML shape of a rule set.
type File struct {
	// Primary are broad signal terms. A post without any primary term is
	// rejected before the classifier is ever consulted.
	Primary []string `yaml:"primary"`

	// Deny terms veto acceptance regardless of any other match. They are
	// checked against both the post text and the author identifier.
	Deny []string `yaml:"deny"`

	// FullName are high-precision multi-token phrases that accept a post
	// without a classifier call.
	FullName []string `yaml:"full_name"`

	// Secondary are co-occurrence terms. Combined with a primary match they
	// accept a post without a classifier call.
	Secondary []string `yaml:"secondary"`

	// WatchedAuthors are author identifiers whose posts are accepted
	// unconditionally (still subject to the deny check).
	WatchedAuthors []string `yaml:"watched_authors"`
}

// Set is a compiled rule set. All terms are stored lower-cased.
type Set struct {
	primary   []string
	deny      []string
	fullName  []string
	secondary []string
	watched   map[string]struct{}
}

// Load reads and compiles a rule set from a YAML file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse compiles a rule set from raw YAML.
func Parse(data []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	return Compile(f)
}

// Default returns the rule set embedded in the binary.
func Default() (*Set, error) {
	return Parse(defaultRules)
}

// Compile lower-cases and validates a rule file.
func Compile(f File) (*Set, error) {
	if len(f.Primary) == 0 {
		return nil, fmt.Errorf("rules: at least one primary term is required")
	}

	s := &Set{
		primary:   lowerAll(f.Primary),
		deny:      lowerAll(f.Deny),
		fullName:  lowerAll(f.FullName),
		secondary: lowerAll(f.Secondary),
		watched:   make(map[string]struct{}, len(f.WatchedAuthors)),
	}
	for _, a := range f.WatchedAuthors {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			s.watched[a] = struct{}{}
		}
	}
	return s, nil
}

// MatchesPrimary reports whether text contains any primary term.
func (s *Set) MatchesPrimary(text string) bool {
	return containsAny(strings.ToLower(text), s.primary)
}

// MatchesDeny reports whether the text or the author contains a deny term.
func (s *Set) MatchesDeny(text, author string) bool {
	lt, la := strings.ToLower(text), strings.ToLower(author)
	for _, term := range s.deny {
		if strings.Contains(lt, term) || strings.Contains(la, term) {
			return true
		}
	}
	return false
}

// MatchesFullName reports whether text contains any full-name phrase.
func (s *Set) MatchesFullName(text string) bool {
	return containsAny(strings.ToLower(text), s.fullName)
}

// MatchesSecondary reports whether text contains any co-occurrence term.
func (s *Set) MatchesSecondary(text string) bool {
	return containsAny(strings.ToLower(text), s.secondary)
}

// IsWatchedAuthor reports whether author is on the watched account list.
func (s *Set) IsWatchedAuthor(author string) bool {
	_, ok := s.watched[strings.ToLower(author)]
	return ok
}

func containsAny(lowered string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" {
			continue
		}
		out = append(out, strings.ToLower(t))
	}
	return out
}

package nat

import (
	"fmt"
	"sort"
	"sync"
)

// Rule maps a source endpoint, which may carry one wildcard field, to a
// concrete destination.
type Rule struct {
	Source      Endpoint
	Destination Endpoint
}

// String returns the rule in its textual form.
func (r Rule) String() string {
	return r.Source.Key() + RuleSeparator + r.Destination.Key()
}

// ParseRule validates text of the form <source>,<destination>.
func ParseRule(text string) (Rule, error) {
	parts := Tokenize(text, RuleSeparator)
	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("rule %q: %w", text, ErrFieldCount)
	}

	source, err := ParseEndpoint(parts[0])
	if err != nil {
		return Rule{}, fmt.Errorf("rule source: %w", err)
	}
	if source.FullyWildcard() {
		return Rule{}, fmt.Errorf("rule %q: %w", text, ErrWildcardSource)
	}

	destination, err := ParseEndpoint(parts[1])
	if err != nil {
		return Rule{}, fmt.Errorf("rule destination: %w", err)
	}
	if !destination.Concrete() {
		return Rule{}, fmt.Errorf("rule %q: %w", text, ErrWildcardDestination)
	}

	return Rule{Source: source, Destination: destination}, nil
}

// Table is a static translation table keyed by the canonical source text.
// It is safe for concurrent use; DefineRule takes exclusive access.
type Table struct {
	rules map[string]Rule
	mu    sync.RWMutex
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		rules: make(map[string]Rule),
	}
}

// DefineRule parses and stores a rule, replacing any rule with the same source.
// An invalid rule leaves the table unchanged.
func (t *Table) DefineRule(text string) Result {
	rule, err := ParseRule(text)
	if err != nil {
		return invalidResult(err)
	}

	t.mu.Lock()
	t.rules[rule.Source.Key()] = rule
	t.mu.Unlock()

	return Result{Status: OK}
}

// Translate resolves a concrete query endpoint. Exact rules are preferred,
// then address:* rules, then *:port rules.
func (t *Table) Translate(text string) Result {
	query, err := ParseEndpoint(text)
	if err != nil {
		return invalidResult(fmt.Errorf("query: %w", err))
	}
	if !query.Concrete() {
		return invalidResult(fmt.Errorf("query %q: %w", text, ErrWildcardQuery))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, key := range candidateKeys(query) {
		if rule, ok := t.rules[key]; ok {
			return okResult(rule.Destination)
		}
	}
	return Result{Status: NoMatch}
}

// Len returns the number of stored rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Rules returns a snapshot of the stored rules sorted by source key.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	rules := make([]Rule, 0, len(t.rules))
	for _, rule := range t.rules {
		rules = append(rules, rule)
	}
	t.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Source.Key() < rules[j].Source.Key()
	})
	return rules
}

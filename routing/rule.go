package routing

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/sluicedb/sluice/event"
)

// Rule maps matching change events to a set of destination names. An event
// matches when any table pattern matches and its operation is listed (an
// empty operation list matches all operations).
type Rule struct {
	Name         string
	Tables       []string // Glob patterns
	Operations   []event.Operation
	Destinations []string
}

// compiledRule is the match-ready form of a Rule.
type compiledRule struct {
	name         string
	tableGlobs   []glob.Glob
	operations   map[event.Operation]struct{} // nil = all
	destinations []string
}

// compileRules validates and compiles a rule set. Bad glob patterns and
// empty rules fail here, at configuration time.
func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if len(r.Tables) == 0 {
			return nil, fmt.Errorf("rule %s: at least one table pattern is required", r.Name)
		}
		if len(r.Destinations) == 0 {
			return nil, fmt.Errorf("rule %s: at least one destination is required", r.Name)
		}

		cr := compiledRule{
			name:         r.Name,
			destinations: append([]string(nil), r.Destinations...),
		}
		for _, pattern := range r.Tables {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: invalid table pattern %q: %w", r.Name, pattern, err)
			}
			cr.tableGlobs = append(cr.tableGlobs, g)
		}
		if len(r.Operations) > 0 {
			cr.operations = make(map[event.Operation]struct{}, len(r.Operations))
			for _, op := range r.Operations {
				cr.operations[op] = struct{}{}
			}
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// matches reports whether the rule applies to the event.
func (r *compiledRule) matches(ev *event.ChangeEvent) bool {
	if r.operations != nil {
		if _, ok := r.operations[ev.Operation]; !ok {
			return false
		}
	}
	for _, g := range r.tableGlobs {
		if g.Match(ev.Table) {
			return true
		}
	}
	return false
}

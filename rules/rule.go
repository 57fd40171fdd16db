// Package rules implements the predicate + target-connector pairs
// evaluated in order by the dispatcher, and the expression-language bridge
// that exposes Context metadata to those predicates. See SPEC_FULL.md §3
// (Rule) and §4.I.
package rules

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/connectors"
	"github.com/bearice/redproxy-go/session"
)

// Rule pairs a compiled predicate expression with the name of its target
// connector; Target is resolved once connectors are loaded and bound by
// BindTargets.
type Rule struct {
	Filter     string `yaml:"filter"`
	TargetName string `yaml:"target"`

	program *vm.Program
	Target  connectors.Connector
}

// FromConfig decodes the `rules:` section of the configuration in
// declaration order. Predicates are compiled immediately so a malformed
// expression fails configuration load rather than surfacing at dispatch
// time.
func FromConfig(nodes []yaml.Node) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(nodes))
	for i := range nodes {
		var r Rule
		if err := nodes[i].Decode(&r); err != nil {
			return nil, errors.Wrap(common.ErrConfig, err.Error())
		}
		if r.Filter == "" {
			return nil, errors.Wrap(common.ErrConfig, "rule missing filter expression")
		}
		if r.TargetName == "" {
			return nil, errors.Wrap(common.ErrConfig, "rule missing target connector")
		}
		program, err := expr.Compile(r.Filter, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, errors.Wrapf(common.ErrConfig, "rule filter %q: %v", r.Filter, err)
		}
		r.program = program
		rules = append(rules, &r)
	}
	return rules, nil
}

// BindTargets resolves each rule's TargetName against the loaded connector
// set, failing configuration load if any rule targets an unknown
// connector.
func BindTargets(rules []*Rule, available map[string]connectors.Connector) error {
	for _, r := range rules {
		target, ok := available[r.TargetName]
		if !ok {
			return errors.Wrapf(common.ErrConfig, "rule target not found: %s", r.TargetName)
		}
		r.Target = target
	}
	return nil
}

// Evaluate runs the rule's compiled predicate against props. An evaluation
// failure is logged by the caller and treated as a non-match, per
// SPEC_FULL.md §7 (EvalError).
func (r *Rule) Evaluate(props session.Props) (bool, error) {
	env := newEnv(props)
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, errors.Wrap(common.ErrEval, err.Error())
	}
	matched, ok := out.(bool)
	if !ok {
		return false, errors.Wrapf(common.ErrEval, "predicate did not evaluate to bool: %v", out)
	}
	return matched, nil
}

// Match evaluates rules in declaration order and returns the first whose
// predicate is true, implementing the "first match wins" invariant of
// SPEC_FULL.md §8 property 5. A predicate evaluation error is handed to
// onEvalError (if non-nil) for the caller to log and treated as no match for
// that rule.
func Match(rules []*Rule, props session.Props, onEvalError func(rule *Rule, err error)) *Rule {
	for _, r := range rules {
		matched, err := r.Evaluate(props)
		if err != nil {
			if onEvalError != nil {
				onEvalError(r, err)
			}
			continue
		}
		if matched {
			return r
		}
	}
	return nil
}

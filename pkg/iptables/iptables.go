// Package iptables runs the iptables binary to add and remove netfilter rules.
package iptables

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/netsplit/pkg/runtime"
)

// Iptables adds and removes iptables rules by executing the `iptables` binary.
type Iptables struct {
	executor runtime.Executor
}

// New returns a new Iptables ready to use.
func New(executor runtime.Executor) Iptables {
	return Iptables{
		executor: executor,
	}
}

// Add appends a rule to its chain.
func (i Iptables) Add(r Rule) error {
	return i.exec(r.add())
}

// Remove deletes a rule from its chain.
func (i Iptables) Remove(r Rule) error {
	return i.exec(r.remove())
}

func (i Iptables) exec(args string) error {
	out, err := i.executor.Exec("iptables", strings.Split(args, " ")...)
	if err != nil {
		return fmt.Errorf("%w: %q", err, out)
	}

	return nil
}

// Rule is a netfilter/iptables rule.
type Rule struct {
	// Table is the netfilter table to which this rule belongs. It is usually "filter".
	Table string
	// Chain is the netfilter chain to which this rule belongs. Usual values are "INPUT", "OUTPUT".
	Chain string
	// Args is the rest of the netfilter rule.
	Args string
}

func (r Rule) add() string {
	return fmt.Sprintf("-t %s -A %s %s", r.Table, r.Chain, r.Args)
}

func (r Rule) remove() string {
	return fmt.Sprintf("-t %s -D %s %s", r.Table, r.Chain, r.Args)
}

// RuleSet is a set of rules added through an Iptables. Added rules are remembered
// and removed together by Remove.
type RuleSet struct {
	iptables Iptables
	rules    []Rule
}

// NewRuleSet returns an empty RuleSet backed by the given Iptables.
func NewRuleSet(iptables Iptables) *RuleSet {
	return &RuleSet{
		iptables: iptables,
	}
}

// Add adds a rule and remembers it if it was added successfully.
func (rs *RuleSet) Add(r Rule) error {
	if err := rs.iptables.Add(r); err != nil {
		return err
	}

	rs.rules = append(rs.rules, r)

	return nil
}

// Remove removes all added rules, most recent first. If removing a rule fails, Remove
// keeps trying the remaining ones and returns all errors. Rules that could not be
// removed are kept so a later call can retry them.
func (rs *RuleSet) Remove() error {
	var errs []error
	var remaining []Rule

	for i := len(rs.rules) - 1; i >= 0; i-- {
		rule := rs.rules[i]
		if err := rs.iptables.Remove(rule); err != nil {
			errs = append(errs, err)
			remaining = append([]Rule{rule}, remaining...)
		}
	}

	rs.rules = remaining

	return errors.Join(errs...)
}

// Len returns the number of rules currently in place.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

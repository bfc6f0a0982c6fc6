/*
 * Copyright 2025 The Zato Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rules

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/zatosource/zato/api/types"
)

// CachedRule wraps a Rule with its pre-parsed condition: a compiled program
// for cache-less evaluation, a condition tree for cached evaluation, the set
// of fields the condition reads and the complexity rank. Built once at load
// time, read-only afterwards.
type CachedRule struct {
	Rule *Rule
	Name string

	// Fields are the data fields the condition reads, sorted.
	Fields []string

	// Complexity is the AST node count of the condition.
	Complexity int

	program *vm.Program
	cond    *condNode
	logger  types.Logger
}

// NewCachedRule parses and compiles the rule's condition. A malformed
// condition is an error; nothing is cached in that case.
func NewCachedRule(rule *Rule, logger types.Logger) (*CachedRule, error) {
	tree, err := parser.Parse(rule.When)
	if err != nil {
		return nil, fmt.Errorf("rule %s: cannot parse `%s`: %w", rule.FullName, rule.When, err)
	}

	program, err := expr.Compile(rule.When, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %s: cannot compile `%s`: %w", rule.FullName, rule.When, err)
	}

	cached := &CachedRule{
		Rule:       rule,
		Name:       rule.FullName,
		Fields:     extractFields(tree.Node),
		Complexity: countNodes(tree.Node),
		program:    program,
		logger:     types.NewLogger(logger),
	}

	// The condition tree is an optimization. If a subexpression does not
	// survive the print/compile round trip, fall back to whole-program
	// evaluation for this rule.
	if cond, err := buildCondTree(tree.Node); err == nil {
		cached.cond = cond
	} else {
		cached.logger.Printf("rule %s: no condition tree, using whole program: %v", rule.FullName, err)
	}

	return cached, nil
}

// Match evaluates the rule against data. conditionCache, when not nil, is
// shared by all rules evaluated in one matching cycle so that identical
// subexpressions are computed once. hits/misses report cache effectiveness
// for this call only.
func (c *CachedRule) Match(data map[string]interface{}, conditionCache map[string]interface{}) (result *MatchResult, hits, misses int) {
	data = c.applyDefaults(data)

	var matched bool
	if conditionCache != nil && c.cond != nil {
		matched, hits, misses = c.evaluateWithCache(c.cond, data, conditionCache)
	} else {
		matched = c.runProgram(c.program, c.key(), data)
	}

	if !matched {
		return nil, hits, misses
	}
	return &MatchResult{
		FullName: c.Rule.FullName,
		Then:     c.Rule.Then,
	}, hits, misses
}

func (c *CachedRule) key() string {
	if c.cond != nil {
		return c.cond.key
	}
	return c.Rule.When
}

// applyDefaults returns data with the rule's defaults merged in for missing
// keys. The input map is copied only when a default actually applies.
func (c *CachedRule) applyDefaults(data map[string]interface{}) map[string]interface{} {
	if len(c.Rule.Defaults) == 0 {
		return data
	}

	needsDefaults := false
	for key := range c.Rule.Defaults {
		if _, ok := data[key]; !ok {
			needsDefaults = true
			break
		}
	}
	if !needsDefaults {
		return data
	}

	merged := make(map[string]interface{}, len(data)+len(c.Rule.Defaults))
	for key, value := range data {
		merged[key] = value
	}
	for key, value := range c.Rule.Defaults {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return merged
}

// evaluateWithCache walks the condition tree, short-circuiting AND/OR and
// caching every subexpression result under its canonical key. Evaluation
// errors make the subexpression false rather than failing the whole match.
func (c *CachedRule) evaluateWithCache(node *condNode, data map[string]interface{}, cache map[string]interface{}) (result bool, hits, misses int) {
	if cached, ok := cache[node.key]; ok {
		return cached == true, hits + 1, misses
	}
	misses++

	switch node.op {

	case opAnd:
		left, lh, lm := c.evaluateWithCache(node.left, data, cache)
		hits, misses = hits+lh, misses+lm
		if !left {
			cache[node.key] = false
			return false, hits, misses
		}
		right, rh, rm := c.evaluateWithCache(node.right, data, cache)
		hits, misses = hits+rh, misses+rm
		cache[node.key] = right
		return right, hits, misses

	case opOr:
		left, lh, lm := c.evaluateWithCache(node.left, data, cache)
		hits, misses = hits+lh, misses+lm
		if left {
			cache[node.key] = true
			return true, hits, misses
		}
		right, rh, rm := c.evaluateWithCache(node.right, data, cache)
		hits, misses = hits+rh, misses+rm
		cache[node.key] = right
		return right, hits, misses

	default:
		result = c.runProgram(node.program, node.key, data)
		cache[node.key] = result
		return result, hits, misses
	}
}

func (c *CachedRule) runProgram(program *vm.Program, key string, data map[string]interface{}) bool {
	out, err := expr.Run(program, data)
	if err != nil {
		c.logger.Printf("error evaluating expression `%s`: %v", key, err)
		return false
	}
	result, ok := out.(bool)
	return ok && result
}

// identifyCommonExpressions returns the leaf subexpressions appearing in
// more than one rule, most frequent first. The evaluator pre-computes these
// once per matching cycle.
func identifyCommonExpressions(cached map[string]*CachedRule) []string {
	counts := map[string]int{}
	for _, rule := range cached {
		if rule.cond == nil {
			continue
		}
		seen := map[string]struct{}{}
		for _, source := range rule.cond.leafSources(nil) {
			if _, ok := seen[source]; ok {
				continue
			}
			seen[source] = struct{}{}
			counts[source]++
		}
	}

	out := make([]string, 0, len(counts))
	for source, count := range counts {
		if count > 1 {
			out = append(out, source)
		}
	}

	// Most frequent first; ties resolved alphabetically for determinism.
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

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

// Package rules implements the rule matching engine: declarative rules
// grouped into containers, cached condition programs, a field index for
// sub-linear candidate filtering and complexity-ordered evaluation.
package rules

import "sort"

// Rule is a named condition plus a consequence payload. Rules are immutable
// once loaded; reloading a container replaces its rules wholesale.
type Rule struct {
	// FullName is "<container>.<name>" and unique across all containers.
	FullName      string
	Name          string
	ContainerName string

	// When is the boolean condition in expression syntax.
	When string

	// Then is the consequence returned on a successful match.
	Then map[string]interface{}

	// Defaults are merged into input data for keys the data lacks.
	Defaults map[string]interface{}

	Docs   string
	Invoke string
}

// Container is a namespace grouping related rules, e.g. "eligibility".
type Container struct {
	Name  string
	rules map[string]*Rule
}

func NewContainer(name string) *Container {
	return &Container{
		Name:  name,
		rules: map[string]*Rule{},
	}
}

func (c *Container) AddRule(rule *Rule) {
	c.rules[rule.Name] = rule
}

// Rule returns a rule by its short name, or nil.
func (c *Container) Rule(name string) *Rule {
	return c.rules[name]
}

// RuleNames returns the short names of all rules, sorted alphabetically.
func (c *Container) RuleNames() []string {
	out := make([]string, 0, len(c.rules))
	for name := range c.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RuleFullNames returns the full names of all rules, sorted alphabetically.
func (c *Container) RuleFullNames() []string {
	out := make([]string, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule.FullName)
	}
	sort.Strings(out)
	return out
}

func (c *Container) Len() int {
	return len(c.rules)
}

// MatchResult is returned by a successful match. A nil *MatchResult means
// no rule matched.
type MatchResult struct {
	// FullName is the full name of the rule that matched.
	FullName string

	// Then is the matched rule's consequence, exactly as authored.
	Then map[string]interface{}
}

// Matched is a nil-safe truthiness check.
func (r *MatchResult) Matched() bool {
	return r != nil
}

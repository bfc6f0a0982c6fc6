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
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zatosource/zato/api/types"
)

// snapshot is one immutable view of all loaded rules. Readers obtain it with
// a single atomic load and never see a partially applied update.
type snapshot struct {
	allRules    map[string]*Rule
	containers  map[string]*Container
	cachedRules map[string]*CachedRule

	// fieldIndex maps a data field to the full names of rules whose
	// conditions read it.
	fieldIndex map[string][]string

	// unindexed are rules whose conditions read no fields at all. They are
	// candidates in every matching cycle.
	unindexed []string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		allRules:    map[string]*Rule{},
		containers:  map[string]*Container{},
		cachedRules: map[string]*CachedRule{},
		fieldIndex:  map[string][]string{},
	}
}

// RulesManager is the top-level entry point of the matching engine. Loads
// build a complete new snapshot off to the side and swap it in atomically,
// so matching never blocks on loading.
type RulesManager struct {
	logger    types.Logger
	loader    *RuleLoader
	evaluator *RuleEvaluator

	loadMu  sync.Mutex
	current atomic.Pointer[snapshot]
}

func NewRulesManager(logger types.Logger) *RulesManager {
	m := &RulesManager{
		logger:    types.NewLogger(logger),
		loader:    NewRuleLoader(logger),
		evaluator: NewRuleEvaluator(logger),
	}
	m.current.Store(emptySnapshot())
	return m
}

// LoadRulesFromFile loads one .zrules file, replacing the container it
// defines. A malformed file aborts the load with no visible change.
func (m *RulesManager) LoadRulesFromFile(path string) ([]string, error) {
	parsed, containerName, err := m.loader.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return m.LoadParsedRules(parsed, containerName)
}

// LoadRulesFromDirectory loads every .zrules file in dir, in alphabetical
// order. The first malformed file aborts the whole load.
func (m *RulesManager) LoadRulesFromDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read rules directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), RuleFileSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	type parsedFile struct {
		parsed        ParsedRules
		containerName string
	}

	// Parse everything up front so one bad file cannot leave a partial load.
	files := make([]parsedFile, 0, len(paths))
	for _, path := range paths {
		parsed, containerName, err := m.loader.ParseFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, parsedFile{parsed, containerName})
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	next := m.cloneSnapshot()
	var loaded []string
	for _, file := range files {
		names, err := m.loader.LoadParsedRules(
			file.parsed, file.containerName,
			next.allRules, next.containers, next.cachedRules)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, names...)
	}

	m.publish(next)
	return loaded, nil
}

// LoadParsedRules registers already-parsed rules under containerName,
// replacing that container's previous rules wholesale.
func (m *RulesManager) LoadParsedRules(parsed ParsedRules, containerName string) ([]string, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	next := m.cloneSnapshot()
	loaded, err := m.loader.LoadParsedRules(
		parsed, containerName,
		next.allRules, next.containers, next.cachedRules)
	if err != nil {
		return nil, err
	}

	m.publish(next)
	return loaded, nil
}

// cloneSnapshot copies the current snapshot's maps so a load can mutate them
// without readers noticing. Rules themselves are immutable and shared.
func (m *RulesManager) cloneSnapshot() *snapshot {
	current := m.current.Load()
	next := &snapshot{
		allRules:    make(map[string]*Rule, len(current.allRules)),
		containers:  make(map[string]*Container, len(current.containers)),
		cachedRules: make(map[string]*CachedRule, len(current.cachedRules)),
		fieldIndex:  map[string][]string{},
	}
	for name, rule := range current.allRules {
		next.allRules[name] = rule
	}
	for name, container := range current.containers {
		next.containers[name] = container
	}
	for name, cached := range current.cachedRules {
		next.cachedRules[name] = cached
	}
	return next
}

// publish rebuilds the derived structures and swaps the snapshot in.
func (m *RulesManager) publish(next *snapshot) {
	next.fieldIndex, next.unindexed = buildFieldIndex(next.cachedRules)
	m.evaluator.UpdateCommonExpressions(next.cachedRules)
	m.current.Store(next)
}

// buildFieldIndex builds the inverted field index plus the list of rules
// reading no fields, both with sorted rule names.
func buildFieldIndex(cached map[string]*CachedRule) (map[string][]string, []string) {
	index := map[string][]string{}
	var unindexed []string
	for name, rule := range cached {
		if len(rule.Fields) == 0 {
			unindexed = append(unindexed, name)
			continue
		}
		for _, field := range rule.Fields {
			index[field] = append(index[field], name)
		}
	}
	for field := range index {
		sort.Strings(index[field])
	}
	sort.Strings(unindexed)
	return index, unindexed
}

// Match evaluates rules against data and returns the first match, or nil.
// With no scope all rules are considered; scope entries may be container
// names or rule full names. Candidates are first narrowed through the field
// index, then evaluated cheapest condition first.
func (m *RulesManager) Match(data map[string]interface{}, scope ...string) *MatchResult {
	current := m.current.Load()

	names := current.resolveScope(scope)
	if len(names) == 0 {
		return nil
	}

	names = current.filterByFields(data, names)
	if len(names) > 1 {
		sortByComplexity(names, current.cachedRules)
	}

	return m.evaluator.Match(data, names, current.cachedRules)
}

// MatchAll returns every rule in scope that matches data, in evaluation
// order, rather than stopping at the first one.
func (m *RulesManager) MatchAll(data map[string]interface{}, scope ...string) []*MatchResult {
	current := m.current.Load()

	names := current.resolveScope(scope)
	names = current.filterByFields(data, names)
	if len(names) > 1 {
		sortByComplexity(names, current.cachedRules)
	}

	var out []*MatchResult
	for _, name := range names {
		result := m.evaluator.Match(data, []string{name}, current.cachedRules)
		if result.Matched() {
			out = append(out, result)
		}
	}
	return out
}

// resolveScope expands container names and rule full names into a sorted,
// de-duplicated list of rule full names. Unknown names are skipped.
func (s *snapshot) resolveScope(scope []string) []string {
	if len(scope) == 0 {
		out := make([]string, 0, len(s.allRules))
		for name := range s.allRules {
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	}

	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}

	for _, entry := range scope {
		if container, ok := s.containers[entry]; ok {
			for _, fullName := range container.RuleFullNames() {
				add(fullName)
			}
			continue
		}
		if _, ok := s.allRules[entry]; ok {
			add(entry)
		}
	}
	sort.Strings(out)
	return out
}

// filterByFields narrows candidates to rules whose fields intersect the
// data's keys or the rule's own defaults. Intersection, not coverage:
// conditions compile with undefined variables allowed, so a rule can match
// even when some of its fields are absent. Rules reading no fields always
// stay in. An empty result falls back to the full candidate list, so the
// filter can never exclude a rule that would have matched.
func (s *snapshot) filterByFields(data map[string]interface{}, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		cached := s.cachedRules[name]
		if cached == nil {
			continue
		}
		if len(cached.Fields) == 0 {
			out = append(out, name)
			continue
		}
		for _, field := range cached.Fields {
			_, inData := data[field]
			_, inDefaults := cached.Rule.Defaults[field]
			if inData || inDefaults {
				out = append(out, name)
				break
			}
		}
	}

	if len(out) == 0 {
		return names
	}
	return out
}

// sortByComplexity orders rule names cheapest condition first. Names missing
// from the cache sort last. The sort is stable so equal ranks keep their
// alphabetical order and repeated sorts are idempotent.
func sortByComplexity(names []string, cached map[string]*CachedRule) {
	rank := func(name string) int {
		if rule, ok := cached[name]; ok {
			return rule.Complexity
		}
		return math.MaxInt
	}
	sort.SliceStable(names, func(i, j int) bool {
		return rank(names[i]) < rank(names[j])
	})
}

// Get returns a rule or a container by name, trying containers first the
// way rule files are usually addressed.
func (m *RulesManager) Get(name string) (interface{}, bool) {
	current := m.current.Load()
	if container, ok := current.containers[name]; ok {
		return container, true
	}
	if rule, ok := current.allRules[name]; ok {
		return rule, true
	}
	return nil, false
}

// Rule returns a rule by full name, or nil.
func (m *RulesManager) Rule(fullName string) *Rule {
	return m.current.Load().allRules[fullName]
}

// CachedRule returns the cached form of a rule by full name, or nil.
func (m *RulesManager) CachedRule(fullName string) *CachedRule {
	return m.current.Load().cachedRules[fullName]
}

// Container returns a container by name, or nil.
func (m *RulesManager) Container(name string) *Container {
	return m.current.Load().containers[name]
}

// ContainerNames returns all container names, sorted.
func (m *RulesManager) ContainerNames() []string {
	current := m.current.Load()
	out := make([]string, 0, len(current.containers))
	for name := range current.containers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RuleCount returns how many rules are loaded across all containers.
func (m *RulesManager) RuleCount() int {
	return len(m.current.Load().allRules)
}

// FieldIndex returns the rules indexed under field, sorted.
func (m *RulesManager) FieldIndex(field string) []string {
	return m.current.Load().fieldIndex[field]
}

// PerformanceStats returns the evaluator's cumulative counters.
func (m *RulesManager) PerformanceStats() PerformanceStats {
	return m.evaluator.PerformanceStats()
}

// ResetPerformanceStats zeroes the evaluator's counters.
func (m *RulesManager) ResetPerformanceStats() {
	m.evaluator.ResetPerformanceStats()
}

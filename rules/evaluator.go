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
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/zatosource/zato/api/types"
)

// PerformanceStats are the evaluator's cumulative counters. They grow across
// calls and reset only on an explicit ResetPerformanceStats.
type PerformanceStats struct {
	TotalEvaluations  int64         `json:"total_evaluations"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	TotalTime         time.Duration `json:"total_time"`
	CacheHitRatio     float64       `json:"cache_hit_ratio"`
	AvgEvaluationTime time.Duration `json:"avg_evaluation_time"`
}

// RuleEvaluator evaluates candidate rules in the order given by the caller,
// first match wins. It owns the table of expressions common to multiple
// rules, pre-computed once per matching cycle so that later candidates hit
// the condition cache.
type RuleEvaluator struct {
	logger types.Logger

	mu          sync.Mutex
	stats       PerformanceStats
	commonExprs []string
	commonProgs map[string]*vm.Program
}

func NewRuleEvaluator(logger types.Logger) *RuleEvaluator {
	return &RuleEvaluator{
		logger:      types.NewLogger(logger),
		commonProgs: map[string]*vm.Program{},
	}
}

// Match evaluates each candidate's cached condition against data, in order,
// returning on the first match. Returns nil when nothing matches.
func (e *RuleEvaluator) Match(data map[string]interface{}, ruleNames []string, cachedRules map[string]*CachedRule) *MatchResult {
	started := time.Now()

	// One condition cache per matching cycle.
	conditionCache := map[string]interface{}{}

	var totalHits, totalMisses int

	// With more than one candidate it pays off to seed the cache with
	// expressions shared between rules.
	if len(ruleNames) > 1 {
		e.precomputeCommonExpressions(data, conditionCache)
	}

	var matched *MatchResult
	for _, name := range ruleNames {
		cached := cachedRules[name]
		if cached == nil {
			continue
		}
		result, hits, misses := cached.Match(data, conditionCache)
		totalHits += hits
		totalMisses += misses
		if result.Matched() {
			matched = result
			break
		}
	}

	e.updateStats(totalHits, totalMisses, time.Since(started))
	return matched
}

// UpdateCommonExpressions rebuilds the common-expression table from a fresh
// rule set. Called by the manager after every load.
func (e *RuleEvaluator) UpdateCommonExpressions(cachedRules map[string]*CachedRule) {
	sources := identifyCommonExpressions(cachedRules)
	programs := make(map[string]*vm.Program, len(sources))

	for _, source := range sources {
		program, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			e.logger.Printf("skipping common expression `%s`: %v", source, err)
			continue
		}
		programs[source] = program
	}

	e.mu.Lock()
	e.commonExprs = sources
	e.commonProgs = programs
	e.mu.Unlock()
}

func (e *RuleEvaluator) precomputeCommonExpressions(data map[string]interface{}, conditionCache map[string]interface{}) {
	e.mu.Lock()
	sources := e.commonExprs
	programs := e.commonProgs
	e.mu.Unlock()

	for _, source := range sources {
		program := programs[source]
		if program == nil {
			continue
		}
		out, err := expr.Run(program, data)
		if err != nil {
			// An error here just means the cache is not seeded for this
			// expression; rules referencing it evaluate it themselves.
			continue
		}
		result, ok := out.(bool)
		conditionCache[source] = ok && result
	}
}

func (e *RuleEvaluator) updateStats(hits, misses int, elapsed time.Duration) {
	e.mu.Lock()
	e.stats.TotalEvaluations++
	e.stats.CacheHits += int64(hits)
	e.stats.CacheMisses += int64(misses)
	e.stats.TotalTime += elapsed
	e.mu.Unlock()
}

// PerformanceStats returns a copy of the counters with derived metrics filled in.
func (e *RuleEvaluator) PerformanceStats() PerformanceStats {
	e.mu.Lock()
	stats := e.stats
	e.mu.Unlock()

	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits) / float64(total)
	}
	if stats.TotalEvaluations > 0 {
		stats.AvgEvaluationTime = stats.TotalTime / time.Duration(stats.TotalEvaluations)
	}
	return stats
}

func (e *RuleEvaluator) ResetPerformanceStats() {
	e.mu.Lock()
	e.stats = PerformanceStats{}
	e.mu.Unlock()
}

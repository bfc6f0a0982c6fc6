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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zatosource/zato/test/assert"
)

var feeWaiverThen = map[string]interface{}{
	"fee_waiver":      true,
	"review_interval": 30,
}

const eligibilityRules = `
rules:
  fee_waiver:
    when: abc == 123 or abc == 456
    then:
      fee_waiver: true
      review_interval: 30
  private_banking:
    when: >-
      customer_type == 'private' and total_assets > 1000000 and
      (region == 'EMEA' or region == 'APAC') and kyc_level >= 3
    then:
      segment: private_banking
      relationship_manager: true
  vip:
    when: status == 'vip'
    then:
      segment: vip
`

func loadEligibility(t *testing.T) *RulesManager {
	t.Helper()
	manager := NewRulesManager(nil)
	loader := NewRuleLoader(nil)
	parsed, err := loader.Parse([]byte(eligibilityRules), "eligibility")
	assert.Nil(t, err)
	loaded, err := manager.LoadParsedRules(parsed, "eligibility")
	assert.Nil(t, err)
	assert.Equal(t, 3, len(loaded))
	return manager
}

func TestMatchSimpleEquality(t *testing.T) {
	manager := loadEligibility(t)

	for _, value := range []interface{}{123, 456} {
		result := manager.Match(map[string]interface{}{"abc": value})
		assert.True(t, result.Matched(), value)
		assert.Equal(t, "eligibility.fee_waiver", result.FullName)
		assert.Equal(t, feeWaiverThen, result.Then)
	}

	result := manager.Match(map[string]interface{}{"abc": 789})
	assert.False(t, result.Matched())
}

func TestMatchComplexCondition(t *testing.T) {
	manager := loadEligibility(t)

	data := map[string]interface{}{
		"customer_type": "private",
		"total_assets":  2500000,
		"region":        "EMEA",
		"kyc_level":     3,
	}
	result := manager.Match(data)
	assert.True(t, result.Matched())
	assert.Equal(t, "eligibility.private_banking", result.FullName)

	// One failing conjunct is enough to reject.
	data["kyc_level"] = 2
	result = manager.Match(data)
	assert.False(t, result.Matched())
}

func TestMatchReturnsThenExactlyAsAuthored(t *testing.T) {
	manager := loadEligibility(t)

	result := manager.Match(map[string]interface{}{"abc": 123})
	assert.NotNil(t, result)
	assert.Equal(t, manager.Rule("eligibility.fee_waiver").Then, result.Then)
}

func TestMatchAppliesDefaults(t *testing.T) {
	manager := NewRulesManager(nil)
	parsed := ParsedRules{
		"default_currency": {
			FullName: "billing.default_currency", Name: "default_currency",
			ContainerName: "billing",
			When:          "currency == 'EUR'",
			Defaults:      map[string]interface{}{"currency": "EUR"},
			Then:          map[string]interface{}{"zone": "eurozone"},
		},
	}
	_, err := manager.LoadParsedRules(parsed, "billing")
	assert.Nil(t, err)

	// No currency in the input, the rule's default fills it in.
	result := manager.Match(map[string]interface{}{})
	assert.True(t, result.Matched())
	assert.Equal(t, "billing.default_currency", result.FullName)

	// An explicit value wins over the default.
	result = manager.Match(map[string]interface{}{"currency": "USD"})
	assert.False(t, result.Matched())
}

func TestMatchScope(t *testing.T) {
	manager := loadEligibility(t)

	other := ParsedRules{
		"always": {
			FullName:      "other.always",
			Name:          "always",
			ContainerName: "other",
			When:          "true",
			Then:          map[string]interface{}{"hit": true},
		},
	}
	_, err := manager.LoadParsedRules(other, "other")
	assert.Nil(t, err)

	// Container scope.
	result := manager.Match(map[string]interface{}{"abc": 1}, "eligibility")
	assert.False(t, result.Matched())

	// Rule scope.
	result = manager.Match(map[string]interface{}{}, "other.always")
	assert.True(t, result.Matched())

	// Unknown scope entries are skipped.
	result = manager.Match(map[string]interface{}{}, "no_such_container")
	assert.False(t, result.Matched())
}

func TestFieldFilterNeverExcludesAMatchingRule(t *testing.T) {
	manager := loadEligibility(t)

	// Data carrying fields of only one rule still matches that rule.
	result := manager.Match(map[string]interface{}{"abc": 456, "unrelated": 1})
	assert.True(t, result.Matched())
	assert.Equal(t, "eligibility.fee_waiver", result.FullName)

	// A rule whose only field is covered by its own defaults stays in
	// even when the data carries none of its fields, and can then match
	// through those defaults.
	fallback := ParsedRules{
		"by_default": {
			FullName: "fallback.by_default", Name: "by_default",
			ContainerName: "fallback",
			When:          "mode == 'auto'",
			Defaults:      map[string]interface{}{"mode": "auto"},
			Then:          map[string]interface{}{"mode": "auto"},
		},
		"other": {
			FullName: "fallback.other", Name: "other",
			ContainerName: "fallback",
			When:          "x == 1",
			Then:          map[string]interface{}{"x": 1},
		},
	}
	_, err := manager.LoadParsedRules(fallback, "fallback")
	assert.Nil(t, err)

	result = manager.Match(map[string]interface{}{"unrelated": 1}, "fallback")
	assert.True(t, result.Matched())
	assert.Equal(t, "fallback.by_default", result.FullName)
}

func TestFieldFilterKeepsPartiallyOverlappingRules(t *testing.T) {
	manager := NewRulesManager(nil)

	// r2 reads {a, status} but can match on a alone: conditions compile
	// with undefined variables allowed, so status != 'blocked' holds when
	// status is absent. The filter must keep any rule whose fields
	// intersect the data, even while a sibling rule has all of its fields
	// present.
	parsed := ParsedRules{
		"r1": {
			FullName: "checks.r1", Name: "r1", ContainerName: "checks",
			When: "a == 1",
			Then: map[string]interface{}{"rule": "r1"},
		},
		"r2": {
			FullName: "checks.r2", Name: "r2", ContainerName: "checks",
			When: "a == 2 or status != 'blocked'",
			Then: map[string]interface{}{"rule": "r2"},
		},
	}
	_, err := manager.LoadParsedRules(parsed, "checks")
	assert.Nil(t, err)

	data := map[string]interface{}{"a": 2}

	current := manager.current.Load()
	filtered := current.filterByFields(data, []string{"checks.r1", "checks.r2"})
	assert.Equal(t, []string{"checks.r1", "checks.r2"}, filtered)

	result := manager.Match(data)
	assert.True(t, result.Matched())
	assert.Equal(t, "checks.r2", result.FullName)
}

func TestFieldIndex(t *testing.T) {
	manager := loadEligibility(t)

	assert.Equal(t, []string{"eligibility.fee_waiver"}, manager.FieldIndex("abc"))
	assert.Equal(t, []string{"eligibility.private_banking"}, manager.FieldIndex("kyc_level"))
	assert.Equal(t, 0, len(manager.FieldIndex("no_such_field")))
}

func TestComplexitySortIsStableAndIdempotent(t *testing.T) {
	manager := loadEligibility(t)
	current := manager.current.Load()

	names := []string{
		"eligibility.private_banking",
		"eligibility.fee_waiver",
		"eligibility.vip",
	}
	sortByComplexity(names, current.cachedRules)

	// Cheapest first: one comparison, then the two-way OR, then the
	// four-conjunct condition.
	assert.Equal(t, "eligibility.vip", names[0])
	assert.Equal(t, "eligibility.fee_waiver", names[1])
	assert.Equal(t, "eligibility.private_banking", names[2])

	once := append([]string(nil), names...)
	sortByComplexity(names, current.cachedRules)
	assert.Equal(t, once, names)

	// Unknown names sort last.
	withUnknown := []string{"zz.unknown", "eligibility.fee_waiver"}
	sortByComplexity(withUnknown, current.cachedRules)
	assert.Equal(t, "eligibility.fee_waiver", withUnknown[0])
}

func TestLoadIsFailFast(t *testing.T) {
	manager := loadEligibility(t)

	bad := ParsedRules{
		"ok": {
			FullName: "broken.ok", Name: "ok", ContainerName: "broken",
			When: "a == 1",
		},
		"bad": {
			FullName: "broken.bad", Name: "bad", ContainerName: "broken",
			When: "a == ((",
		},
	}
	_, err := manager.LoadParsedRules(bad, "broken")
	assert.NotNil(t, err)

	// Nothing from the failed load is visible, old rules still match.
	assert.Nil(t, manager.Container("broken"))
	assert.Nil(t, manager.Rule("broken.ok"))
	assert.Equal(t, 3, manager.RuleCount())
	assert.True(t, manager.Match(map[string]interface{}{"abc": 123}).Matched())
}

func TestReloadReplacesContainerWholesale(t *testing.T) {
	manager := loadEligibility(t)

	replacement := ParsedRules{
		"fee_waiver": {
			FullName: "eligibility.fee_waiver", Name: "fee_waiver",
			ContainerName: "eligibility",
			When:          "abc == 999",
			Then:          map[string]interface{}{"fee_waiver": false},
		},
	}
	_, err := manager.LoadParsedRules(replacement, "eligibility")
	assert.Nil(t, err)

	assert.Equal(t, 1, manager.RuleCount())
	assert.Nil(t, manager.Rule("eligibility.private_banking"))
	assert.False(t, manager.Match(map[string]interface{}{"abc": 123}).Matched())
	assert.True(t, manager.Match(map[string]interface{}{"abc": 999}).Matched())
}

func TestMatchDuringReloadSeesConsistentSnapshots(t *testing.T) {
	manager := loadEligibility(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			parsed := ParsedRules{
				"fee_waiver": {
					FullName: "eligibility.fee_waiver", Name: "fee_waiver",
					ContainerName: "eligibility",
					When:          "abc == 123 or abc == 456",
					Then:          feeWaiverThen,
				},
			}
			if _, err := manager.LoadParsedRules(parsed, "eligibility"); err != nil {
				t.Error(err)
				return
			}
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		data := map[string]interface{}{"abc": 123}
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Every observed snapshot must contain the rule in full.
			result := manager.Match(data)
			if !result.Matched() || result.FullName != "eligibility.fee_waiver" {
				t.Errorf("inconsistent snapshot observed: %+v", result)
				return
			}
		}
	}()

	wg.Wait()
}

func TestGetLookupOrder(t *testing.T) {
	manager := loadEligibility(t)

	value, ok := manager.Get("eligibility")
	assert.True(t, ok)
	_, isContainer := value.(*Container)
	assert.True(t, isContainer)

	value, ok = manager.Get("eligibility.fee_waiver")
	assert.True(t, ok)
	rule, isRule := value.(*Rule)
	assert.True(t, isRule)
	assert.Equal(t, "fee_waiver", rule.Name)

	_, ok = manager.Get("missing")
	assert.False(t, ok)
}

func TestMatchAll(t *testing.T) {
	manager := NewRulesManager(nil)
	parsed := ParsedRules{
		"low": {
			FullName: "tiers.low", Name: "low", ContainerName: "tiers",
			When: "amount > 10", Then: map[string]interface{}{"tier": "low"},
		},
		"high": {
			FullName: "tiers.high", Name: "high", ContainerName: "tiers",
			When: "amount > 100 and amount < 100000", Then: map[string]interface{}{"tier": "high"},
		},
	}
	_, err := manager.LoadParsedRules(parsed, "tiers")
	assert.Nil(t, err)

	results := manager.MatchAll(map[string]interface{}{"amount": 500})
	assert.Equal(t, 2, len(results))
	assert.Equal(t, "tiers.low", results[0].FullName)
	assert.Equal(t, "tiers.high", results[1].FullName)
}

func TestPerformanceStatsAccumulate(t *testing.T) {
	manager := loadEligibility(t)
	manager.ResetPerformanceStats()

	data := map[string]interface{}{"abc": 123}
	for i := 0; i < 5; i++ {
		manager.Match(data)
	}

	stats := manager.PerformanceStats()
	assert.Equal(t, int64(5), stats.TotalEvaluations)
	assert.True(t, stats.CacheMisses > 0)
	assert.True(t, stats.TotalTime > 0)
	assert.True(t, stats.AvgEvaluationTime > 0)

	manager.ResetPerformanceStats()
	assert.Equal(t, int64(0), manager.PerformanceStats().TotalEvaluations)
}

func TestLoadRulesFromDirectory(t *testing.T) {
	dir := t.TempDir()

	writeRules := func(name, body string) {
		err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644)
		assert.Nil(t, err)
	}
	writeRules("eligibility.zrules", eligibilityRules)
	writeRules("pricing.zrules", `
rules:
  discount:
    when: order_total > 1000
    then:
      discount_pct: 5
`)
	writeRules("notes.txt", "not a rules file")

	manager := NewRulesManager(nil)
	loaded, err := manager.LoadRulesFromDirectory(dir)
	assert.Nil(t, err)
	assert.Equal(t, 4, len(loaded))
	assert.Equal(t, []string{"eligibility", "pricing"}, manager.ContainerNames())

	result := manager.Match(map[string]interface{}{"order_total": 2000})
	assert.Equal(t, "pricing.discount", result.FullName)
}

func TestLoadRulesFromDirectoryFailFast(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "good.zrules"), []byte(`
rules:
  ok:
    when: a == 1
    then:
      ok: true
`), 0o644)
	assert.Nil(t, err)
	err = os.WriteFile(filepath.Join(dir, "bad.zrules"), []byte("rules: [not, a, mapping]"), 0o644)
	assert.Nil(t, err)

	manager := NewRulesManager(nil)
	_, err = manager.LoadRulesFromDirectory(dir)
	assert.NotNil(t, err)
	assert.Equal(t, 0, manager.RuleCount())
}

func TestLoadRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eligibility.zrules")
	err := os.WriteFile(path, []byte(eligibilityRules), 0o644)
	assert.Nil(t, err)

	manager := NewRulesManager(nil)
	loaded, err := manager.LoadRulesFromFile(path)
	assert.Nil(t, err)
	assert.Equal(t, 3, len(loaded))
	assert.NotNil(t, manager.Container("eligibility"))
}

func BenchmarkMatch(b *testing.B) {
	manager := NewRulesManager(nil)
	parsed := ParsedRules{}
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("rule_%03d", i)
		parsed[name] = &Rule{
			FullName: "bench." + name, Name: name, ContainerName: "bench",
			When: fmt.Sprintf("kind == 'k%d' and amount > %d", i, i*10),
			Then: map[string]interface{}{"index": i},
		}
	}
	if _, err := manager.LoadParsedRules(parsed, "bench"); err != nil {
		b.Fatal(err)
	}

	data := map[string]interface{}{"kind": "k50", "amount": 10000}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		manager.Match(data)
	}
}

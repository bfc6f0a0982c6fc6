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
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zatosource/zato/api/types"
)

// RuleFileSuffix is the extension of rule definition files. The container
// name is the file name with this suffix stripped.
const RuleFileSuffix = ".zrules"

// ruleFile is the on-disk shape of a rule definition file.
type ruleFile struct {
	Rules map[string]ruleDef `yaml:"rules"`
}

type ruleDef struct {
	When     string                 `yaml:"when"`
	Then     map[string]interface{} `yaml:"then"`
	Defaults map[string]interface{} `yaml:"defaults"`
	Docs     string                 `yaml:"docs"`
	Invoke   string                 `yaml:"invoke"`
}

// ParsedRules is the output of parsing one rule file, keyed by short rule name.
type ParsedRules map[string]*Rule

// RuleLoader parses rule files and populates the lookup structures shared
// with the manager. Loading is fail-fast: the first malformed rule aborts
// the whole load and none of the out maps are touched for that file.
type RuleLoader struct {
	logger types.Logger
}

func NewRuleLoader(logger types.Logger) *RuleLoader {
	return &RuleLoader{logger: types.NewLogger(logger)}
}

// ParseFile reads and parses one .zrules file.
func (l *RuleLoader) ParseFile(path string) (ParsedRules, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("cannot read rules file %s: %w", path, err)
	}
	containerName := strings.TrimSuffix(filepath.Base(path), RuleFileSuffix)
	parsed, err := l.Parse(data, containerName)
	if err != nil {
		return nil, "", err
	}
	return parsed, containerName, nil
}

// Parse turns raw YAML into rules belonging to containerName.
func (l *RuleLoader) Parse(data []byte, containerName string) (ParsedRules, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("container %s: invalid rules YAML: %w", containerName, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("container %s: no rules defined", containerName)
	}

	parsed := ParsedRules{}
	for name, def := range file.Rules {
		if strings.TrimSpace(def.When) == "" {
			return nil, fmt.Errorf("rule %s.%s: empty condition", containerName, name)
		}
		parsed[name] = &Rule{
			FullName:      containerName + "." + name,
			Name:          name,
			ContainerName: containerName,
			When:          def.When,
			Then:          def.Then,
			Defaults:      def.Defaults,
			Docs:          def.Docs,
			Invoke:        def.Invoke,
		}
	}
	return parsed, nil
}

// LoadParsedRules caches each parsed rule and registers it in the out maps,
// replacing the container's previous rules wholesale. Rules are processed in
// alphabetical full-name order so load results are deterministic. Returns the
// full names added. The out maps are mutated in place; on error they are left
// untouched.
func (l *RuleLoader) LoadParsedRules(
	parsed ParsedRules,
	containerName string,
	outAll map[string]*Rule,
	outContainers map[string]*Container,
	outCached map[string]*CachedRule,
) ([]string, error) {

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	// Cache everything first so a bad rule cannot leave the maps half-updated.
	cached := make(map[string]*CachedRule, len(parsed))
	for _, name := range names {
		rule := parsed[name]
		cachedRule, err := NewCachedRule(rule, l.logger)
		if err != nil {
			return nil, err
		}
		cached[rule.FullName] = cachedRule
	}

	container := NewContainer(containerName)
	fullNames := make([]string, 0, len(parsed))
	for _, name := range names {
		rule := parsed[name]
		container.AddRule(rule)
		outAll[rule.FullName] = rule
		outCached[rule.FullName] = cached[rule.FullName]
		fullNames = append(fullNames, rule.FullName)
	}

	// Drop rules that existed in a previous version of this container but
	// are gone from the new definition.
	if previous, ok := outContainers[containerName]; ok {
		for _, fullName := range previous.RuleFullNames() {
			if _, stillThere := cached[fullName]; !stillThere {
				delete(outAll, fullName)
				delete(outCached, fullName)
			}
		}
	}
	outContainers[containerName] = container

	l.logger.Printf("loaded %d rules into container %s", len(fullNames), containerName)
	return fullNames, nil
}

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

package pubsub

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Operations a topic pattern can grant.
const (
	OpPublish   = "pub"
	OpSubscribe = "sub"
)

// PermissionSet lists the topic patterns a client may publish or subscribe
// to. In a pattern `**` spans name segments while `*` stops at a dot, so
// `orders.**` covers `orders.eu.priority` but `orders.*` does not.
type PermissionSet struct {
	Pub []string
	Sub []string
}

// PatternMatcher decides whether a client may publish or subscribe to a
// topic. Compiled patterns and per-client evaluation results are cached.
type PatternMatcher struct {
	mu      sync.RWMutex
	clients map[string]*clientPerms
	regexes map[string]*regexp.Regexp
}

type clientPerms struct {
	patterns map[string][]string // operation -> patterns, sorted

	// cache maps "op:topic" to the pattern that allowed it, or "" for a
	// cached denial.
	cache map[string]string
}

func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{
		clients: map[string]*clientPerms{},
		regexes: map[string]*regexp.Regexp{},
	}
}

// AddClient registers or replaces a client's permissions, dropping any
// cached evaluations for that client.
func (m *PatternMatcher) AddClient(clientID string, perms PermissionSet) error {
	patterns := map[string][]string{
		OpPublish:   append([]string(nil), perms.Pub...),
		OpSubscribe: append([]string(nil), perms.Sub...),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range patterns {
		sort.Strings(list)
		for _, pattern := range list {
			if _, err := m.compileLocked(pattern); err != nil {
				return err
			}
		}
	}

	m.clients[clientID] = &clientPerms{
		patterns: patterns,
		cache:    map[string]string{},
	}
	return nil
}

func (m *PatternMatcher) RemoveClient(clientID string) {
	m.mu.Lock()
	delete(m.clients, clientID)
	m.mu.Unlock()
}

func (m *PatternMatcher) HasClient(clientID string) bool {
	m.mu.RLock()
	_, ok := m.clients[clientID]
	m.mu.RUnlock()
	return ok
}

// IsAllowed reports whether clientID may perform op on topic, returning the
// pattern that granted access. Unknown clients are always denied.
func (m *PatternMatcher) IsAllowed(clientID, op, topic string) (string, bool) {
	m.mu.RLock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.RUnlock()
		return "", false
	}
	key := op + ":" + topic
	if pattern, cached := client.cache[key]; cached {
		m.mu.RUnlock()
		return pattern, pattern != ""
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok = m.clients[clientID]
	if !ok {
		return "", false
	}

	matched := ""
	for _, pattern := range client.patterns[op] {
		regex, err := m.compileLocked(pattern)
		if err != nil {
			continue
		}
		if regex.MatchString(topic) {
			matched = pattern
			break
		}
	}
	client.cache[key] = matched
	return matched, matched != ""
}

func (m *PatternMatcher) compileLocked(pattern string) (*regexp.Regexp, error) {
	if regex, ok := m.regexes[pattern]; ok {
		return regex, nil
	}
	regex, err := regexp.Compile(translatePattern(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid topic pattern `%s`: %w", pattern, err)
	}
	m.regexes[pattern] = regex
	return regex, nil
}

// translatePattern turns a topic pattern into an anchored, case-insensitive
// regular expression. `**` matches across dots, `*` within one segment.
func translatePattern(pattern string) string {
	var out strings.Builder
	out.WriteString("(?i)^")

	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			out.WriteString(".*")
			i++
		case pattern[i] == '*':
			out.WriteString(`[^.]*`)
		default:
			out.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}

	out.WriteString("$")
	return out.String()
}

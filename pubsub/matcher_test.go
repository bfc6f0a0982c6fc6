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
	"testing"

	"github.com/zatosource/zato/test/assert"
)

func TestPatternMatcherSegments(t *testing.T) {
	matcher := NewPatternMatcher()
	err := matcher.AddClient("client1", PermissionSet{
		Pub: []string{"orders.*", "invoices.**"},
		Sub: []string{"orders.eu"},
	})
	assert.Nil(t, err)

	// A single star stops at segment boundaries.
	_, ok := matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.True(t, ok)
	_, ok = matcher.IsAllowed("client1", OpPublish, "orders.eu.priority")
	assert.False(t, ok)

	// A double star spans them.
	pattern, ok := matcher.IsAllowed("client1", OpPublish, "invoices.eu.priority.q1")
	assert.True(t, ok)
	assert.Equal(t, "invoices.**", pattern)

	// Permissions are per operation.
	_, ok = matcher.IsAllowed("client1", OpSubscribe, "invoices.eu")
	assert.False(t, ok)
	_, ok = matcher.IsAllowed("client1", OpSubscribe, "orders.eu")
	assert.True(t, ok)
}

func TestPatternMatcherCaseInsensitive(t *testing.T) {
	matcher := NewPatternMatcher()
	err := matcher.AddClient("client1", PermissionSet{Pub: []string{"Orders.EU"}})
	assert.Nil(t, err)

	_, ok := matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.True(t, ok)
	_, ok = matcher.IsAllowed("client1", OpPublish, "ORDERS.EU")
	assert.True(t, ok)
}

func TestPatternMatcherAnchored(t *testing.T) {
	matcher := NewPatternMatcher()
	err := matcher.AddClient("client1", PermissionSet{Pub: []string{"orders"}})
	assert.Nil(t, err)

	_, ok := matcher.IsAllowed("client1", OpPublish, "orders")
	assert.True(t, ok)
	_, ok = matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.False(t, ok)
	_, ok = matcher.IsAllowed("client1", OpPublish, "xorders")
	assert.False(t, ok)
}

func TestPatternMatcherUnknownClient(t *testing.T) {
	matcher := NewPatternMatcher()
	_, ok := matcher.IsAllowed("nobody", OpPublish, "orders.eu")
	assert.False(t, ok)
}

func TestPatternMatcherRemoveClient(t *testing.T) {
	matcher := NewPatternMatcher()
	err := matcher.AddClient("client1", PermissionSet{Pub: []string{"orders.**"}})
	assert.Nil(t, err)
	assert.True(t, matcher.HasClient("client1"))

	_, ok := matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.True(t, ok)

	matcher.RemoveClient("client1")
	assert.False(t, matcher.HasClient("client1"))
	_, ok = matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.False(t, ok)
}

func TestPatternMatcherReplacePermissions(t *testing.T) {
	matcher := NewPatternMatcher()
	err := matcher.AddClient("client1", PermissionSet{Pub: []string{"orders.**"}})
	assert.Nil(t, err)

	// Cached evaluations do not survive a permission change.
	_, ok := matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.True(t, ok)

	err = matcher.AddClient("client1", PermissionSet{Pub: []string{"invoices.**"}})
	assert.Nil(t, err)

	_, ok = matcher.IsAllowed("client1", OpPublish, "orders.eu")
	assert.False(t, ok)
	_, ok = matcher.IsAllowed("client1", OpPublish, "invoices.eu")
	assert.True(t, ok)
}

func TestTranslatePattern(t *testing.T) {
	assert.Equal(t, `(?i)^orders\.[^.]*$`, translatePattern("orders.*"))
	assert.Equal(t, `(?i)^orders\..*$`, translatePattern("orders.**"))
	assert.Equal(t, `(?i)^a\.b$`, translatePattern("a.b"))
}

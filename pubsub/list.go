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

// Package pubsub implements topic-based publish/subscribe with per-sub_key
// delivery tasks, guaranteed-delivery and in-memory message tracks and
// pattern-based access control.
package pubsub

import (
	"sort"
	"time"

	"github.com/zatosource/zato/api/types"
)

// DeliveryList keeps a delivery task's outstanding messages ordered oldest
// first, publication time then message ID as the tie-breaker. It does no
// locking of its own; the owning task serializes access.
type DeliveryList struct {
	messages []*types.Message
	byMsgID  map[string]*types.Message
}

func NewDeliveryList() *DeliveryList {
	return &DeliveryList{
		byMsgID: map[string]*types.Message{},
	}
}

// Add inserts messages, ignoring message IDs already present so repeated
// notifications cannot duplicate deliveries.
func (l *DeliveryList) Add(messages ...*types.Message) int {
	added := 0
	for _, msg := range messages {
		if _, ok := l.byMsgID[msg.PubMsgID]; ok {
			continue
		}
		l.byMsgID[msg.PubMsgID] = msg
		l.messages = append(l.messages, msg)
		added++
	}
	if added > 0 {
		l.sort()
	}
	return added
}

func (l *DeliveryList) sort() {
	sort.SliceStable(l.messages, func(i, j int) bool {
		if l.messages[i].PubTime != l.messages[j].PubTime {
			return l.messages[i].PubTime < l.messages[j].PubTime
		}
		return l.messages[i].PubMsgID < l.messages[j].PubMsgID
	})
}

// Peek returns up to limit oldest messages without removing them.
func (l *DeliveryList) Peek(limit int) []*types.Message {
	if limit <= 0 || limit > len(l.messages) {
		limit = len(l.messages)
	}
	out := make([]*types.Message, limit)
	copy(out, l.messages[:limit])
	return out
}

// Remove deletes messages by ID, returning how many were actually present.
func (l *DeliveryList) Remove(msgIDs ...string) int {
	removed := 0
	for _, msgID := range msgIDs {
		if _, ok := l.byMsgID[msgID]; ok {
			delete(l.byMsgID, msgID)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	kept := l.messages[:0]
	for _, msg := range l.messages {
		if _, ok := l.byMsgID[msg.PubMsgID]; ok {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(l.messages); i++ {
		l.messages[i] = nil
	}
	l.messages = kept
	return removed
}

// RemoveExpired drops every message expired as of now, returning their IDs.
func (l *DeliveryList) RemoveExpired(now time.Time) []string {
	var expired []string
	for _, msg := range l.messages {
		if msg.IsExpired(now) {
			expired = append(expired, msg.PubMsgID)
		}
	}
	if len(expired) > 0 {
		l.Remove(expired...)
	}
	return expired
}

// Get returns a message by ID, or nil.
func (l *DeliveryList) Get(msgID string) *types.Message {
	return l.byMsgID[msgID]
}

// All returns the messages in delivery order. The slice is a copy, the
// messages are not.
func (l *DeliveryList) All() []*types.Message {
	return l.Peek(0)
}

func (l *DeliveryList) Len() int {
	return len(l.messages)
}

// Clear empties the list, returning how many messages it held.
func (l *DeliveryList) Clear() int {
	count := len(l.messages)
	l.messages = nil
	l.byMsgID = map[string]*types.Message{}
	return count
}

// GDDepth returns (gd, nonGD) counts of outstanding messages.
func (l *DeliveryList) GDDepth() (int, int) {
	gd := 0
	for _, msg := range l.messages {
		if msg.HasGD {
			gd++
		}
	}
	return gd, len(l.messages) - gd
}

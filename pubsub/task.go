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
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zatosource/zato/api/types"
)

// Delivery task states. A task is created, runs and stops any number of
// times, and once destroyed never runs again.
const (
	TaskStateCreated   = "created"
	TaskStateRunning   = "running"
	TaskStateStopped   = "stopped"
	TaskStateDestroyed = "destroyed"
)

// DeliverFunc pushes a batch of messages to the subscriber's endpoint.
type DeliverFunc func(ctx context.Context, subKey string, messages []*types.Message) error

// ConfirmFunc marks GD messages as delivered in persistent storage.
type ConfirmFunc func(ctx context.Context, subKey string, msgIDs []string) error

// ErrTaskDestroyed is returned by operations on a task that was destroyed.
var ErrTaskDestroyed = errors.New("delivery task is destroyed")

// DeliveryTask owns all deliveries for one sub_key. Exactly one task per
// sub_key exists in the whole cluster at any time; messages move only
// through it, never directly from publisher to subscriber.
type DeliveryTask struct {
	config *types.Config
	logger types.Logger

	SubKey    string
	TopicName string

	deliver DeliverFunc
	confirm ConfirmFunc

	mu             sync.Mutex
	list           *DeliveryList
	state          string
	pendingDeletes []string
	lastRun        time.Time
	deliveredCount int64
	failureCount   int64

	wakeup chan struct{}
}

func NewDeliveryTask(config *types.Config, subKey, topicName string, deliver DeliverFunc, confirm ConfirmFunc) *DeliveryTask {
	return &DeliveryTask{
		config:    config,
		logger:    types.NewLogger(config.Logger),
		SubKey:    subKey,
		TopicName: topicName,
		deliver:   deliver,
		confirm:   confirm,
		list:      NewDeliveryList(),
		state:     TaskStateCreated,
		wakeup:    make(chan struct{}, 1),
	}
}

// Run drives the delivery loop until ctx is done or the task is destroyed.
// Deliveries happen on every interval tick and immediately after new
// messages arrive.
func (t *DeliveryTask) Run(ctx context.Context) {
	t.mu.Lock()
	if t.state == TaskStateDestroyed {
		t.mu.Unlock()
		return
	}
	t.state = TaskStateRunning
	t.mu.Unlock()

	t.logger.Printf("starting delivery task for sub_key %s (topic %s)", t.SubKey, t.TopicName)

	ticker := time.NewTicker(t.config.TaskDeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-ticker.C:
		case <-t.wakeup:
		}

		if !t.IsRunning() {
			if t.State() == TaskStateDestroyed {
				return
			}
			continue
		}

		if err := t.runDelivery(ctx); err != nil {
			t.logger.Printf("delivery failed for sub_key %s: %v", t.SubKey, err)
		}
	}
}

// runDelivery delivers one batch, retrying with the socket or non-socket
// backoff until it succeeds, the retry limit is hit or ctx is done. Delete
// requests arriving between retries are honored before the next attempt.
// Tasks without a deliver func serve pull subscribers and push nothing.
func (t *DeliveryTask) runDelivery(ctx context.Context) error {
	if t.deliver == nil {
		return nil
	}

	for attempt := 1; ; attempt++ {

		t.mu.Lock()
		t.applyPendingDeletesLocked()
		if expired := t.list.RemoveExpired(time.Now()); len(expired) > 0 {
			t.logger.Printf("dropped %d expired messages for sub_key %s", len(expired), t.SubKey)
		}
		batch := t.list.Peek(t.config.DeliveryBatchSize)
		t.lastRun = time.Now()
		t.mu.Unlock()

		if len(batch) == 0 {
			return nil
		}

		for _, msg := range batch {
			msg.DeliveryCount++
		}

		err := t.deliver(ctx, t.SubKey, batch)
		if err == nil {
			t.finishBatch(ctx, batch)
			return nil
		}

		t.mu.Lock()
		t.failureCount++
		t.mu.Unlock()

		if attempt >= t.config.DeliveryMaxRetry {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := t.config.WaitNonSockErr
		if isSocketError(err) {
			wait = t.config.WaitSockErr
		}
		t.logger.Printf("delivery attempt %d/%d for sub_key %s failed, retrying in %s: %v",
			attempt, t.config.DeliveryMaxRetry, t.SubKey, wait, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if !t.IsRunning() {
			return nil
		}
	}
}

// finishBatch removes delivered messages from the list and confirms the GD
// ones in storage.
func (t *DeliveryTask) finishBatch(ctx context.Context, batch []*types.Message) {
	msgIDs := make([]string, 0, len(batch))
	var gdIDs []string
	for _, msg := range batch {
		msgIDs = append(msgIDs, msg.PubMsgID)
		if msg.HasGD {
			gdIDs = append(gdIDs, msg.PubMsgID)
		}
	}

	t.mu.Lock()
	t.list.Remove(msgIDs...)
	t.deliveredCount += int64(len(msgIDs))
	t.mu.Unlock()

	if len(gdIDs) > 0 && t.confirm != nil {
		if err := t.confirm(ctx, t.SubKey, gdIDs); err != nil {
			t.logger.Printf("cannot confirm %d GD messages for sub_key %s: %v", len(gdIDs), t.SubKey, err)
		}
	}
}

func (t *DeliveryTask) applyPendingDeletesLocked() {
	if len(t.pendingDeletes) == 0 {
		return
	}
	removed := t.list.Remove(t.pendingDeletes...)
	t.logger.Printf("deleted %d of %d requested messages for sub_key %s",
		removed, len(t.pendingDeletes), t.SubKey)
	t.pendingDeletes = nil
}

// isSocketError distinguishes network-level failures, which get the longer
// backoff, from endpoint-level ones.
func isSocketError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// AddMessages enqueues messages and wakes the delivery loop up. Duplicate
// message IDs are ignored.
func (t *DeliveryTask) AddMessages(messages ...*types.Message) (int, error) {
	t.mu.Lock()
	if t.state == TaskStateDestroyed {
		t.mu.Unlock()
		return 0, ErrTaskDestroyed
	}
	added := t.list.Add(messages...)
	t.mu.Unlock()

	if added > 0 {
		select {
		case t.wakeup <- struct{}{}:
		default:
		}
	}
	return added, nil
}

// DeleteMessages requests removal of the given messages. The deletion is
// applied before the next delivery attempt, interrupting retries in
// progress.
func (t *DeliveryTask) DeleteMessages(msgIDs ...string) {
	t.mu.Lock()
	t.pendingDeletes = append(t.pendingDeletes, msgIDs...)
	t.mu.Unlock()
}

// GetMessages returns up to limit outstanding messages without consuming
// them; limit <= 0 means all.
func (t *DeliveryTask) GetMessages(limit int) []*types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyPendingDeletesLocked()
	return t.list.Peek(limit)
}

// PullMessages consumes up to limit messages, confirming the GD ones. Used
// by pull-style subscribers that fetch over REST instead of being notified.
func (t *DeliveryTask) PullMessages(ctx context.Context, limit int) []*types.Message {
	t.mu.Lock()
	t.applyPendingDeletesLocked()
	t.list.RemoveExpired(time.Now())
	batch := t.list.Peek(limit)
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	t.finishBatch(ctx, batch)
	return batch
}

// GetQueueDepth returns (gd, nonGD) counts of undelivered messages.
func (t *DeliveryTask) GetQueueDepth() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.GDDepth()
}

// Len returns the total number of undelivered messages.
func (t *DeliveryTask) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

// Clear drops all outstanding messages, returning how many were dropped.
func (t *DeliveryTask) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingDeletes = nil
	return t.list.Clear()
}

// Stop pauses deliveries; messages keep accumulating and a later Start
// resumes them. Stopping a destroyed task is a no-op.
func (t *DeliveryTask) Stop() {
	t.mu.Lock()
	if t.state == TaskStateRunning {
		t.state = TaskStateStopped
	}
	t.mu.Unlock()
}

// Start resumes a stopped task.
func (t *DeliveryTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskStateDestroyed {
		return ErrTaskDestroyed
	}
	t.state = TaskStateRunning
	return nil
}

// Destroy stops the task permanently and drops its messages.
func (t *DeliveryTask) Destroy() {
	t.mu.Lock()
	t.state = TaskStateDestroyed
	t.pendingDeletes = nil
	t.list.Clear()
	t.mu.Unlock()

	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

func (t *DeliveryTask) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *DeliveryTask) IsRunning() bool {
	return t.State() == TaskStateRunning
}

// LastRun returns when the delivery loop last attempted a batch.
func (t *DeliveryTask) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// Stats returns cumulative delivered and failed attempt counters.
func (t *DeliveryTask) Stats() (delivered, failures int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deliveredCount, t.failureCount
}

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
	"fmt"
	"sort"
	"sync"

	"github.com/zatosource/zato/api/types"
)

// enqueueBatchSize caps how many GD messages one storage round trip fetches
// while a new subscription backfills its queue.
const enqueueBatchSize = 400

// Storage persists guaranteed-delivery messages. Non-GD messages never
// touch it.
type Storage interface {

	// MessagesBySubKeys returns undelivered GD messages for the given
	// sub_keys published at or after lastRun and no later than pubTimeMax.
	// The lower bound is inclusive so messages sharing the watermark's
	// millisecond are not lost; delivery lists deduplicate by message ID.
	MessagesBySubKeys(ctx context.Context, clusterID int, subKeys []string, lastRun, pubTimeMax int64) ([]*types.Message, error)

	// InitialMessageIDs returns IDs of all GD messages a new subscription
	// should start with.
	InitialMessageIDs(ctx context.Context, subKey string) ([]string, error)

	// MessagesByIDList returns full messages for the given IDs.
	MessagesByIDList(ctx context.Context, subKey string, msgIDs []string) ([]*types.Message, error)

	// ConfirmDelivered marks messages as delivered for a sub_key.
	ConfirmDelivered(ctx context.Context, subKey string, msgIDs []string) error

	// SetToDelete marks messages for deletion so no other process
	// re-delivers them.
	SetToDelete(ctx context.Context, subKey string, msgIDs []string) error
}

// PubSubTool owns the delivery tasks of the sub_keys assigned to this
// server process. Each sub_key has its own lock so work for one
// subscription never blocks another.
type PubSubTool struct {
	config  *types.Config
	logger  types.Logger
	storage Storage
	deliver DeliverFunc

	mu          sync.RWMutex
	subKeyLocks map[string]*sync.Mutex
	tasks       map[string]*DeliveryTask

	// lastGDRun is the per-sub_key low watermark: GD messages published at
	// or before it have already been fetched from storage.
	lastGDRun map[string]int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewPubSubTool(config *types.Config, storage Storage, deliver DeliverFunc) *PubSubTool {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &PubSubTool{
		config:      config,
		logger:      types.NewLogger(config.Logger),
		storage:     storage,
		deliver:     deliver,
		subKeyLocks: map[string]*sync.Mutex{},
		tasks:       map[string]*DeliveryTask{},
		lastGDRun:   map[string]int64{},
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
}

// AddSubKey creates and starts a delivery task for subKey. Pull
// subscriptions get a task with no deliver func; their messages wait until
// fetched. Adding an existing sub_key returns the task already in place.
func (p *PubSubTool) AddSubKey(subKey, topicName, deliveryMethod string) *DeliveryTask {
	p.mu.Lock()
	if task, ok := p.tasks[subKey]; ok {
		p.mu.Unlock()
		return task
	}

	deliver := p.deliver
	if deliveryMethod == types.DeliveryMethodPull {
		deliver = nil
	}
	task := NewDeliveryTask(p.config, subKey, topicName, deliver, p.confirmDelivered)
	p.tasks[subKey] = task
	p.subKeyLocks[subKey] = &sync.Mutex{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		task.Run(p.runCtx)
	}()

	p.logger.Printf("added sub_key %s (topic %s)", subKey, topicName)
	return task
}

// RemoveSubKey destroys subKey's task and forgets its state.
func (p *PubSubTool) RemoveSubKey(subKey string) {
	p.mu.Lock()
	task, ok := p.tasks[subKey]
	if ok {
		delete(p.tasks, subKey)
		delete(p.subKeyLocks, subKey)
		delete(p.lastGDRun, subKey)
	}
	p.mu.Unlock()

	if ok {
		task.Destroy()
		p.logger.Printf("removed sub_key %s", subKey)
	}
}

// GetTask returns the delivery task for subKey, or nil.
func (p *PubSubTool) GetTask(subKey string) *DeliveryTask {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tasks[subKey]
}

// SubKeys returns all sub_keys handled by this tool, sorted.
func (p *PubSubTool) SubKeys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.tasks))
	for subKey := range p.tasks {
		out = append(out, subKey)
	}
	sort.Strings(out)
	return out
}

func (p *PubSubTool) subKeyLock(subKey string) *sync.Mutex {
	p.mu.RLock()
	lock := p.subKeyLocks[subKey]
	p.mu.RUnlock()
	return lock
}

// HandleNewMessages reacts to a publication notification. Non-GD messages
// travel inside the notification itself; GD ones are fetched from storage
// using the per-sub_key low watermark so each message is picked up once.
func (p *PubSubTool) HandleNewMessages(ctx context.Context, msgCtx *types.HandleNewMessageCtx) error {
	if !msgCtx.HasGD {
		return p.handleNonGD(msgCtx)
	}

	for _, subKey := range msgCtx.SubKeyList {
		lock := p.subKeyLock(subKey)
		if lock == nil {
			p.logger.Printf("cid %s: ignoring unknown sub_key %s", msgCtx.CID, subKey)
			continue
		}

		lock.Lock()
		err := p.fetchGDMessages(ctx, subKey, msgCtx.PubTimeMax)
		lock.Unlock()

		if err != nil {
			return fmt.Errorf("cid %s: cannot fetch GD messages for sub_key %s: %w", msgCtx.CID, subKey, err)
		}
	}
	return nil
}

func (p *PubSubTool) handleNonGD(msgCtx *types.HandleNewMessageCtx) error {
	for _, subKey := range msgCtx.SubKeyList {
		task := p.GetTask(subKey)
		if task == nil {
			p.logger.Printf("cid %s: ignoring unknown sub_key %s", msgCtx.CID, subKey)
			continue
		}
		for _, msg := range msgCtx.NonGDMsgList {
			if _, err := task.AddMessages(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchGDMessages pulls GD messages newer than the low watermark into the
// task's delivery list, then advances the watermark. Caller holds the
// sub_key lock.
func (p *PubSubTool) fetchGDMessages(ctx context.Context, subKey string, pubTimeMax int64) error {
	task := p.GetTask(subKey)
	if task == nil {
		return nil
	}

	p.mu.RLock()
	lastRun := p.lastGDRun[subKey]
	p.mu.RUnlock()

	messages, err := p.storage.MessagesBySubKeys(ctx, p.config.ClusterID, []string{subKey}, lastRun, pubTimeMax)
	if err != nil {
		return err
	}

	if len(messages) > 0 {
		if _, err := task.AddMessages(messages...); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if pubTimeMax > p.lastGDRun[subKey] {
		p.lastGDRun[subKey] = pubTimeMax
	}
	p.mu.Unlock()
	return nil
}

// EnqueueInitialMessages backfills a just-created subscription with all GD
// messages already waiting for it, fetching full messages in fixed-size
// batches so large backlogs do not produce oversized round trips.
func (p *PubSubTool) EnqueueInitialMessages(ctx context.Context, subKey string) error {
	lock := p.subKeyLock(subKey)
	if lock == nil {
		return fmt.Errorf("unknown sub_key %s", subKey)
	}
	lock.Lock()
	defer lock.Unlock()

	task := p.GetTask(subKey)
	if task == nil {
		return fmt.Errorf("unknown sub_key %s", subKey)
	}

	msgIDs, err := p.storage.InitialMessageIDs(ctx, subKey)
	if err != nil {
		return err
	}

	for start := 0; start < len(msgIDs); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(msgIDs) {
			end = len(msgIDs)
		}
		messages, err := p.storage.MessagesByIDList(ctx, subKey, msgIDs[start:end])
		if err != nil {
			return err
		}
		if _, err := task.AddMessages(messages...); err != nil {
			return err
		}
	}

	if len(msgIDs) > 0 {
		p.logger.Printf("enqueued %d initial messages for sub_key %s", len(msgIDs), subKey)
	}
	return nil
}

func (p *PubSubTool) confirmDelivered(ctx context.Context, subKey string, msgIDs []string) error {
	if p.storage == nil {
		return nil
	}
	return p.storage.ConfirmDelivered(ctx, subKey, msgIDs)
}

// SetToDelete marks messages for deletion in storage and interrupts any
// delivery retries for them.
func (p *PubSubTool) SetToDelete(ctx context.Context, subKey string, msgIDs []string) error {
	task := p.GetTask(subKey)
	if task == nil {
		return fmt.Errorf("unknown sub_key %s", subKey)
	}
	if p.storage != nil {
		if err := p.storage.SetToDelete(ctx, subKey, msgIDs); err != nil {
			return err
		}
	}
	task.DeleteMessages(msgIDs...)
	return nil
}

// GetQueueDepth returns (gd, nonGD) depths for one sub_key.
func (p *PubSubTool) GetQueueDepth(subKey string) (int, int, error) {
	task := p.GetTask(subKey)
	if task == nil {
		return 0, 0, fmt.Errorf("unknown sub_key %s", subKey)
	}
	gd, nonGD := task.GetQueueDepth()
	return gd, nonGD, nil
}

// TotalQueueDepth sums (gd, nonGD) depths across all sub_keys.
func (p *PubSubTool) TotalQueueDepth() (int, int) {
	p.mu.RLock()
	tasks := make([]*DeliveryTask, 0, len(p.tasks))
	for _, task := range p.tasks {
		tasks = append(tasks, task)
	}
	p.mu.RUnlock()

	var gd, nonGD int
	for _, task := range tasks {
		taskGD, taskNonGD := task.GetQueueDepth()
		gd += taskGD
		nonGD += taskNonGD
	}
	return gd, nonGD
}

// Stop shuts down all delivery tasks and waits for their loops to exit.
func (p *PubSubTool) Stop() {
	p.runCancel()

	p.mu.Lock()
	tasks := make([]*DeliveryTask, 0, len(p.tasks))
	for _, task := range p.tasks {
		tasks = append(tasks, task)
	}
	p.mu.Unlock()

	for _, task := range tasks {
		task.Destroy()
	}
	p.wg.Wait()
}

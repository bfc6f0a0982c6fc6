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
	"sort"
	"sync"
	"time"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/utils/str"
)

var (
	ErrTopicNotFound    = errors.New("topic not found")
	ErrTopicInactive    = errors.New("topic is inactive")
	ErrSubKeyNotFound   = errors.New("sub_key not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrUnknownSubscribe = errors.New("unknown subscriber")
)

// ServerInfo identifies the server process owning a delivery task.
type ServerInfo struct {
	ServerName string `json:"server_name"`
	ServerPID  int    `json:"server_pid"`
}

// Notifier pushes "new messages available" notifications to server
// processes owning sub_keys elsewhere in the cluster.
type Notifier interface {
	NotifyNewMessages(ctx context.Context, server ServerInfo, msgCtx *types.HandleNewMessageCtx) error
}

// GDStore is the persistent side of guaranteed delivery: everything the
// delivery tool reads plus the write path used on publication.
type GDStore interface {
	Storage
	SaveMessages(ctx context.Context, messages []*types.Message) error
}

// OwnershipRegistry persists which server process owns which sub_key, so
// publishers on other servers know where to send notifications.
type OwnershipRegistry interface {
	UpsertSubKeyServer(ctx context.Context, subKey, topicName string, server ServerInfo) error
	DeleteSubKeyServer(ctx context.Context, subKey string) error
}

// PublishParams carries the publisher-controlled attributes of one message.
type PublishParams struct {
	Data        string
	MimeType    string
	CorrelID    string
	InReplyTo   string
	ExtClientID string

	// Priority outside 1..9 is clamped; zero means the default.
	Priority int

	// Expiration of zero means the default of 24 hours.
	Expiration time.Duration

	// DeliverToSK narrows delivery to the given sub_keys.
	DeliverToSK []string

	// HasGD overrides the topic's GD flag when set.
	HasGD *bool
}

// PubSub is the process-wide coordinator: topics, subscriptions, access
// control, sub_key ownership and the local delivery tool.
type PubSub struct {
	config   *types.Config
	logger   types.Logger
	matcher  *PatternMatcher
	store    GDStore
	tool     *PubSubTool
	notifier Notifier

	// ownership is optional; without it sub_key ownership stays in-process.
	ownership OwnershipRegistry

	mu           sync.RWMutex
	topics       map[string]*types.Topic
	subsByTopic  map[string]map[string]*types.Subscription
	subsBySubKey map[string]*types.Subscription
	subKeyServer map[string]ServerInfo
}

func NewPubSub(config *types.Config, store GDStore, deliver DeliverFunc, notifier Notifier) *PubSub {
	return &PubSub{
		config:       config,
		logger:       types.NewLogger(config.Logger),
		matcher:      NewPatternMatcher(),
		store:        store,
		tool:         NewPubSubTool(config, store, deliver),
		notifier:     notifier,
		topics:       map[string]*types.Topic{},
		subsByTopic:  map[string]map[string]*types.Subscription{},
		subsBySubKey: map[string]*types.Subscription{},
		subKeyServer: map[string]ServerInfo{},
	}
}

// SetOwnershipRegistry makes subscriptions record their owning server
// process durably, for cross-server notification routing.
func (ps *PubSub) SetOwnershipRegistry(ownership OwnershipRegistry) {
	ps.ownership = ownership
}

// Matcher exposes the access-control matcher for client registration.
func (ps *PubSub) Matcher() *PatternMatcher {
	return ps.matcher
}

// Tool exposes the local delivery tool.
func (ps *PubSub) Tool() *PubSubTool {
	return ps.tool
}

func (ps *PubSub) localServer() ServerInfo {
	return ServerInfo{ServerName: ps.config.ServerName, ServerPID: ps.config.ServerPID}
}

// CreateTopic registers a topic, replacing any earlier definition of the
// same name.
func (ps *PubSub) CreateTopic(topic *types.Topic) {
	ps.mu.Lock()
	ps.topics[topic.Name] = topic
	if _, ok := ps.subsByTopic[topic.Name]; !ok {
		ps.subsByTopic[topic.Name] = map[string]*types.Subscription{}
	}
	ps.mu.Unlock()
	ps.logger.Printf("created topic %s (gd=%v)", topic.Name, topic.HasGD)
}

// GetTopic returns a topic by name, or nil.
func (ps *PubSub) GetTopic(name string) *types.Topic {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.topics[name]
}

// TopicNames returns all topic names, sorted.
func (ps *PubSub) TopicNames() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, 0, len(ps.topics))
	for name := range ps.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribe creates a subscription for clientID on topicName, starting a
// local delivery task for the new sub_key and backfilling it with GD
// messages already waiting on the topic.
func (ps *PubSub) Subscribe(ctx context.Context, clientID, topicName string, config *types.SubConfig) (*types.Subscription, error) {
	if _, allowed := ps.matcher.IsAllowed(clientID, OpSubscribe, topicName); !allowed {
		return nil, fmt.Errorf("client %s, topic %s: %w", clientID, topicName, ErrAccessDenied)
	}

	ps.mu.Lock()
	topic, ok := ps.topics[topicName]
	if !ok {
		ps.mu.Unlock()
		return nil, fmt.Errorf("topic %s: %w", topicName, ErrTopicNotFound)
	}
	if !topic.IsActive {
		ps.mu.Unlock()
		return nil, fmt.Errorf("topic %s: %w", topicName, ErrTopicInactive)
	}

	subKey := str.NewSubKey()
	if config == nil {
		config = &types.SubConfig{}
	}
	config.SubKey = subKey
	config.TopicID = topic.ID
	config.TopicName = topicName
	if config.EndpointName == "" {
		config.EndpointName = clientID
	}
	if config.DeliveryMethod == "" {
		config.DeliveryMethod = types.DeliveryMethodPull
	}

	sub := &types.Subscription{
		SubKey:           subKey,
		TopicName:        topicName,
		EndpointName:     config.EndpointName,
		IsDeliveryActive: true,
		Config:           config,
	}
	ps.subsByTopic[topicName][subKey] = sub
	ps.subsBySubKey[subKey] = sub
	ps.subKeyServer[subKey] = ps.localServer()
	ps.mu.Unlock()

	ps.tool.AddSubKey(subKey, topicName, config.DeliveryMethod)

	if ps.ownership != nil {
		if err := ps.ownership.UpsertSubKeyServer(ctx, subKey, topicName, ps.localServer()); err != nil {
			ps.logger.Printf("cannot record ownership of sub_key %s: %v", subKey, err)
		}
	}

	if topic.HasGD {
		if err := ps.tool.EnqueueInitialMessages(ctx, subKey); err != nil {
			ps.logger.Printf("cannot enqueue initial messages for sub_key %s: %v", subKey, err)
		}
	}

	ps.logger.Printf("subscribed %s to topic %s with sub_key %s", clientID, topicName, subKey)
	return sub, nil
}

// Unsubscribe removes a subscription and destroys its delivery task.
func (ps *PubSub) Unsubscribe(subKey string) error {
	ps.mu.Lock()
	sub, ok := ps.subsBySubKey[subKey]
	if !ok {
		ps.mu.Unlock()
		return fmt.Errorf("%s: %w", subKey, ErrSubKeyNotFound)
	}
	delete(ps.subsBySubKey, subKey)
	delete(ps.subKeyServer, subKey)
	if byTopic, ok := ps.subsByTopic[sub.TopicName]; ok {
		delete(byTopic, subKey)
	}
	ps.mu.Unlock()

	ps.tool.RemoveSubKey(subKey)
	if ps.ownership != nil {
		if err := ps.ownership.DeleteSubKeyServer(context.Background(), subKey); err != nil {
			ps.logger.Printf("cannot remove ownership of sub_key %s: %v", subKey, err)
		}
	}
	ps.logger.Printf("unsubscribed sub_key %s from topic %s", subKey, sub.TopicName)
	return nil
}

// GetSubscription returns a subscription by sub_key, or nil.
func (ps *PubSub) GetSubscription(subKey string) *types.Subscription {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.subsBySubKey[subKey]
}

// SubscriptionsForTopic returns the topic's subscriptions sorted by sub_key.
func (ps *PubSub) SubscriptionsForTopic(topicName string) []*types.Subscription {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	byTopic := ps.subsByTopic[topicName]
	out := make([]*types.Subscription, 0, len(byTopic))
	for _, sub := range byTopic {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubKey < out[j].SubKey })
	return out
}

// GetServerForSubKey returns the server process owning subKey's delivery task.
func (ps *PubSub) GetServerForSubKey(subKey string) (ServerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	server, ok := ps.subKeyServer[subKey]
	return server, ok
}

// SetSubKeyServer reassigns subKey's delivery-task ownership, e.g. after a
// server process went down.
func (ps *PubSub) SetSubKeyServer(subKey string, server ServerInfo) {
	ps.mu.Lock()
	ps.subKeyServer[subKey] = server
	ps.mu.Unlock()
}

// Publish publishes one message to a topic, returning the new message ID.
// GD messages are persisted before anyone is notified; non-GD ones travel
// inside the notifications themselves.
func (ps *PubSub) Publish(ctx context.Context, clientID, topicName string, params PublishParams) (string, error) {
	if _, allowed := ps.matcher.IsAllowed(clientID, OpPublish, topicName); !allowed {
		return "", fmt.Errorf("client %s, topic %s: %w", clientID, topicName, ErrAccessDenied)
	}

	ps.mu.RLock()
	topic, ok := ps.topics[topicName]
	ps.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("topic %s: %w", topicName, ErrTopicNotFound)
	}
	if !topic.IsActive {
		return "", fmt.Errorf("topic %s: %w", topicName, ErrTopicInactive)
	}

	msg := ps.buildMessage(topic, params)

	subKeys := ps.targetSubKeys(topicName, params.DeliverToSK)
	// Queues are per sub_key, so with no subscribers there is nothing to
	// persist or deliver. The publication itself still succeeds.
	if len(subKeys) == 0 {
		return msg.PubMsgID, nil
	}

	if msg.HasGD {
		rows := make([]*types.Message, 0, len(subKeys))
		for _, subKey := range subKeys {
			row := *msg
			row.SubKey = subKey
			rows = append(rows, &row)
		}
		if err := ps.store.SaveMessages(ctx, rows); err != nil {
			return "", fmt.Errorf("cannot persist message %s: %w", msg.PubMsgID, err)
		}
	}

	if err := ps.notifySubscribers(ctx, msg, subKeys); err != nil {
		return "", err
	}
	return msg.PubMsgID, nil
}

func (ps *PubSub) buildMessage(topic *types.Topic, params PublishParams) *types.Message {
	now := time.Now().UnixMilli()

	priority := params.Priority
	switch {
	case priority == 0:
		priority = types.PriorityDefault
	case priority < types.PriorityMin:
		priority = types.PriorityMin
	case priority > types.PriorityMax:
		priority = types.PriorityMax
	}

	expiration := params.Expiration
	if expiration <= 0 {
		expiration = types.DefaultExpiration
	}

	hasGD := topic.HasGD
	if params.HasGD != nil {
		hasGD = *params.HasGD
	}

	msg := &types.Message{
		PubMsgID:       str.NewMsgID(),
		CorrelID:       params.CorrelID,
		InReplyTo:      params.InReplyTo,
		ExtClientID:    params.ExtClientID,
		TopicName:      topic.Name,
		Data:           params.Data,
		MimeType:       params.MimeType,
		Size:           len(params.Data),
		Priority:       priority,
		PubTime:        now,
		RecvTime:       now,
		Expiration:     expiration.Milliseconds(),
		ExpirationTime: now + expiration.Milliseconds(),
		HasGD:          hasGD,
		DeliverToSK:    params.DeliverToSK,
	}
	if !hasGD {
		msg.ServerName = ps.config.ServerName
		msg.ServerPID = ps.config.ServerPID
	}
	return msg
}

// targetSubKeys returns the sub_keys a message goes to: all of the topic's
// subscriptions with active delivery, narrowed by deliverToSK when given.
func (ps *PubSub) targetSubKeys(topicName string, deliverToSK []string) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	narrow := map[string]struct{}{}
	for _, subKey := range deliverToSK {
		narrow[subKey] = struct{}{}
	}

	var out []string
	for subKey, sub := range ps.subsByTopic[topicName] {
		if !sub.IsDeliveryActive {
			continue
		}
		if len(narrow) > 0 {
			if _, ok := narrow[subKey]; !ok {
				continue
			}
		}
		out = append(out, subKey)
	}
	sort.Strings(out)
	return out
}

// notifySubscribers tells each owning server process that new messages are
// available, grouping sub_keys by owner. The local process is handled
// directly, remote ones through the notifier.
func (ps *PubSub) notifySubscribers(ctx context.Context, msg *types.Message, subKeys []string) error {
	local := ps.localServer()
	byServer := map[ServerInfo][]string{}

	ps.mu.RLock()
	for _, subKey := range subKeys {
		server, ok := ps.subKeyServer[subKey]
		if !ok {
			server = local
		}
		byServer[server] = append(byServer[server], subKey)
	}
	ps.mu.RUnlock()

	cid := str.NewCID()
	for server, serverSubKeys := range byServer {
		msgCtx := &types.HandleNewMessageCtx{
			CID:        cid,
			HasGD:      msg.HasGD,
			SubKeyList: serverSubKeys,
			PubTimeMax: msg.PubTime,
		}
		if !msg.HasGD {
			msgCtx.NonGDMsgList = []*types.Message{msg}
		}

		if server == local {
			if err := ps.tool.HandleNewMessages(ctx, msgCtx); err != nil {
				return err
			}
			continue
		}
		if ps.notifier == nil {
			ps.logger.Printf("cid %s: no notifier, skipping %s:%d", cid, server.ServerName, server.ServerPID)
			continue
		}
		if err := ps.notifier.NotifyNewMessages(ctx, server, msgCtx); err != nil {
			return fmt.Errorf("cid %s: cannot notify %s:%d: %w", cid, server.ServerName, server.ServerPID, err)
		}
	}
	return nil
}

// GetQueueDepth returns (gd, nonGD) depths of one local sub_key.
func (ps *PubSub) GetQueueDepth(subKey string) (int, int, error) {
	return ps.tool.GetQueueDepth(subKey)
}

// Stop shuts the delivery tool down.
func (ps *PubSub) Stop() {
	ps.tool.Stop()
}

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

// Package types holds the data model shared by the rule engine,
// the delivery core and the transport endpoints.
package types

import "time"

// Delivery methods a subscription may use.
const (
	DeliveryMethodNotify    = "notify"
	DeliveryMethodPull      = "pull"
	DeliveryMethodWebSocket = "web-socket"
)

// Endpoint types messages can be delivered to.
const (
	EndpointTypeRest       = "rest"
	EndpointTypeService    = "service"
	EndpointTypeWebSockets = "wsx"
)

// Message priority bounds; PriorityDefault applies when a publisher does not set one.
const (
	PriorityMin     = 1
	PriorityMax     = 9
	PriorityDefault = 5
)

// DefaultExpiration applies when a publisher does not set one.
const DefaultExpiration = 24 * time.Hour

// Message is a single pub/sub message, either guaranteed-delivery (persisted)
// or non-GD (in-memory, best effort). The GD/non-GD distinction is carried
// in HasGD and the two tracks are counted separately everywhere.
type Message struct {
	PubMsgID    string `json:"msg_id" db:"pub_msg_id"`
	CorrelID    string `json:"correl_id,omitempty" db:"correl_id"`
	InReplyTo   string `json:"in_reply_to,omitempty" db:"in_reply_to"`
	ExtClientID string `json:"ext_client_id,omitempty" db:"ext_client_id"`

	TopicName string `json:"topic_name" db:"topic_name"`
	SubKey    string `json:"sub_key,omitempty" db:"sub_key"`

	Data     string `json:"data" db:"data"`
	MimeType string `json:"mime_type,omitempty" db:"mime_type"`
	Size     int    `json:"size" db:"size"`
	Priority int    `json:"priority" db:"priority"`

	// All times are Unix milliseconds UTC.
	PubTime        int64 `json:"pub_time" db:"pub_time"`
	RecvTime       int64 `json:"recv_time,omitempty" db:"recv_time"`
	Expiration     int64 `json:"expiration,omitempty" db:"expiration"`
	ExpirationTime int64 `json:"expiration_time,omitempty" db:"expiration_time"`

	DeliveryCount int  `json:"delivery_count,omitempty" db:"delivery_count"`
	HasGD         bool `json:"has_gd" db:"has_gd"`

	// DeliverToSK optionally narrows delivery to specific sub_keys,
	// e.g. for reply messages. Empty means all subscribers of the topic.
	DeliverToSK []string `json:"deliver_to_sk,omitempty" db:"-"`

	// ServerName and ServerPID are filled in for non-GD messages
	// by the process that accepted them.
	ServerName string `json:"server_name,omitempty" db:"-"`
	ServerPID  int    `json:"server_pid,omitempty" db:"-"`
}

// IsExpired reports whether the message's expiration time has passed at now.
// Messages without an expiration time never expire.
func (m *Message) IsExpired(now time.Time) bool {
	if m.ExpirationTime == 0 {
		return false
	}
	return now.UnixMilli() >= m.ExpirationTime
}

// Topic is a named channel that messages are published to.
type Topic struct {
	ID        int    `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	IsActive  bool   `json:"is_active" db:"is_active"`
	HasGD     bool   `json:"has_gd" db:"has_gd"`
	ClusterID int    `json:"cluster_id" db:"cluster_id"`
}

// Subscription binds one endpoint to one topic under a unique sub_key,
// the unit of delivery-task ownership.
type Subscription struct {
	SubKey           string     `json:"sub_key"`
	TopicName        string     `json:"topic_name"`
	EndpointName     string     `json:"endpoint_name"`
	IsDeliveryActive bool       `json:"is_delivery_active"`
	Config           *SubConfig `json:"config"`
}

// SubConfig holds the delivery parameters of one subscription.
// Values may be changed at runtime by users, hence tasks re-read them.
type SubConfig struct {
	SubKey       string `mapstructure:"sub_key"`
	TopicID      int    `mapstructure:"topic_id"`
	TopicName    string `mapstructure:"topic_name"`
	EndpointName string `mapstructure:"endpoint_name"`
	EndpointType string `mapstructure:"endpoint_type"`

	DeliveryMethod    string `mapstructure:"delivery_method"`
	DeliveryBatchSize int    `mapstructure:"delivery_batch_size"`
	WrapOneMsgInList  bool   `mapstructure:"wrap_one_msg_in_list"`
	DeliveryMaxRetry  int    `mapstructure:"delivery_max_retry"`

	TaskDeliveryInterval time.Duration `mapstructure:"task_delivery_interval"`
	WaitSockErr          time.Duration `mapstructure:"wait_sock_err"`
	WaitNonSockErr       time.Duration `mapstructure:"wait_non_sock_err"`
}

// HandleNewMessageCtx describes one "new messages available" notification
// pushed to the process that owns the affected sub_keys.
type HandleNewMessageCtx struct {
	CID          string     `json:"cid"`
	HasGD        bool       `json:"has_gd"`
	SubKeyList   []string   `json:"sub_key_list"`
	NonGDMsgList []*Message `json:"non_gd_msg_list,omitempty"`
	IsBgCall     bool       `json:"is_bg_call"`
	PubTimeMax   int64      `json:"pub_time_max"`
}

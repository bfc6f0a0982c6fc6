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

package types

import "time"

// Config carries cross-cutting settings shared by the rule engine and
// the pub/sub delivery core. Use NewConfig with options to build one.
type Config struct {
	// Logger receives all diagnostic output.
	Logger Logger

	// ClusterID identifies the cluster this process belongs to.
	ClusterID int

	// ServerName and ServerPID identify this process within the cluster.
	// Delivery-task ownership is recorded against this pair.
	ServerName string
	ServerPID  int

	// DeliveryBatchSize is the default number of messages delivered
	// in one batch when a subscription does not set its own.
	DeliveryBatchSize int

	// TaskDeliveryInterval is the default wake-up interval of delivery tasks.
	TaskDeliveryInterval time.Duration

	// WaitSockErr and WaitNonSockErr are the back-off sleeps after
	// socket-level and other delivery errors respectively.
	WaitSockErr    time.Duration
	WaitNonSockErr time.Duration

	// DeliveryMaxRetry is how many attempts one delivery run makes before
	// its task gives up until the next wake-up. Messages stay queued and
	// are retried then; only expiration removes them without delivery.
	DeliveryMaxRetry int
}

// Option modifies a Config.
type Option func(*Config)

func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithCluster(clusterID int, serverName string, serverPID int) Option {
	return func(c *Config) {
		c.ClusterID = clusterID
		c.ServerName = serverName
		c.ServerPID = serverPID
	}
}

func WithDeliveryBatchSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.DeliveryBatchSize = size
		}
	}
}

func WithDeliveryMaxRetry(max int) Option {
	return func(c *Config) {
		if max > 0 {
			c.DeliveryMaxRetry = max
		}
	}
}

// NewConfig creates a Config with defaults applied, then runs the options.
func NewConfig(opts ...Option) Config {
	c := Config{
		Logger:               DefaultLogger(),
		DeliveryBatchSize:    1,
		TaskDeliveryInterval: 2 * time.Second,
		WaitSockErr:          10 * time.Second,
		WaitNonSockErr:       3 * time.Second,
		DeliveryMaxRetry:     25,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

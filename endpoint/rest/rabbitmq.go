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

package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/utils/json"
)

// Sentinel errors of the external broker API. Callers branch on these
// instead of status codes; none of them ever escalates to a panic.
var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrBrokerAuth      = errors.New("broker authentication failed")
	ErrBrokerTransient = errors.New("broker temporarily unavailable")
)

// QueueInfo is the subset of queue details read from the management API.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
	State     string `json:"state"`
}

// BrokerAPIClient reads queue state from a RabbitMQ management API. Every
// request carries an explicit timeout so a hung broker cannot stall the
// caller.
type BrokerAPIClient struct {
	baseURL  string
	vhost    string
	username string
	password string
	logger   types.Logger
	client   *http.Client
}

func NewBrokerAPIClient(baseURL, vhost, username, password string, timeout time.Duration, logger types.Logger) *BrokerAPIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrokerAPIClient{
		baseURL:  baseURL,
		vhost:    vhost,
		username: username,
		password: password,
		logger:   types.NewLogger(logger),
		client:   &http.Client{Timeout: timeout},
	}
}

// GetQueue fetches one queue's details. A missing queue is ErrQueueNotFound,
// bad credentials are ErrBrokerAuth and broker-side failures are
// ErrBrokerTransient, all as error values.
func (c *BrokerAPIClient) GetQueue(ctx context.Context, queueName string) (*QueueInfo, error) {
	endpoint := fmt.Sprintf("%s/api/queues/%s/%s",
		c.baseURL, url.PathEscape(c.vhost), url.PathEscape(queueName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("queue %s: %w", queueName, ErrQueueNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("queue %s: %w", queueName, ErrBrokerAuth)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("queue %s: status %d: %w", queueName, resp.StatusCode, ErrBrokerTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("queue %s: unexpected status %d", queueName, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w: %v", queueName, ErrBrokerTransient, err)
	}

	var info QueueInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("queue %s: invalid broker response: %w", queueName, err)
	}
	return &info, nil
}

// GetQueueDepth returns a queue's message count. A missing queue reads as
// zero messages rather than an error; other failures propagate.
func (c *BrokerAPIClient) GetQueueDepth(ctx context.Context, queueName string) (int, error) {
	info, err := c.GetQueue(ctx, queueName)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			c.logger.Printf("queue %s not found, reporting empty", queueName)
			return 0, nil
		}
		return 0, err
	}
	return info.Messages, nil
}

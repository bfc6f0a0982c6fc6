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

// Package cluster aggregates delivery-task state across the server
// processes of a cluster. Each process reports its own tasks; the list
// operation fans out to every (server, PID) pair that owns at least one
// sub_key.
package cluster

import (
	"context"
	"sort"
	"time"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/pubsub/storage"
)

// DetailsService is the RPC service remote processes answer task-detail
// requests on.
const DetailsService = "pubsub.task.get-details"

// Invoker calls one service on one remote server process.
type Invoker interface {
	Invoke(ctx context.Context, service string, request, response interface{}) error
}

// InvokerRegistry resolves (server, PID) pairs to invokers.
type InvokerRegistry interface {
	Invoker(serverName string, serverPID int) (Invoker, bool)
}

// OwnershipStore is the subset of the message store the coordinator reads
// sub_key ownership from.
type OwnershipStore interface {
	SubKeyServers(ctx context.Context) ([]storage.SubKeyServerRow, error)
	ServerForSubKey(ctx context.Context, subKey string) (*storage.SubKeyServerRow, error)
}

// TaskDetails describes one delivery task.
type TaskDetails struct {
	SubKey         string    `json:"sub_key"`
	TopicName      string    `json:"topic_name"`
	State          string    `json:"state"`
	GDDepth        int       `json:"gd_depth"`
	NonGDDepth     int       `json:"non_gd_depth"`
	DeliveredCount int64     `json:"delivered_count"`
	FailureCount   int64     `json:"failure_count"`
	LastRun        time.Time `json:"last_run,omitempty"`
}

// ServerSummary describes all delivery tasks of one server process.
type ServerSummary struct {
	ServerName string        `json:"server_name"`
	ServerPID  int           `json:"server_pid"`
	Tasks      []TaskDetails `json:"tasks"`
	GDDepth    int           `json:"gd_depth"`
	NonGDDepth int           `json:"non_gd_depth"`
}

// Messages returns the total queue depth across both tracks.
func (s *ServerSummary) Messages() int {
	return s.GDDepth + s.NonGDDepth
}

// Coordinator answers task queries for the local process and aggregates
// them across the cluster.
type Coordinator struct {
	config   *types.Config
	logger   types.Logger
	tool     *pubsub.PubSubTool
	store    OwnershipStore
	registry InvokerRegistry
}

func NewCoordinator(config *types.Config, tool *pubsub.PubSubTool, store OwnershipStore, registry InvokerRegistry) *Coordinator {
	return &Coordinator{
		config:   config,
		logger:   types.NewLogger(config.Logger),
		tool:     tool,
		store:    store,
		registry: registry,
	}
}

// GetDetails reports the local process's delivery tasks. It only reads
// task state, deliveries are never blocked by diagnostics.
func (c *Coordinator) GetDetails() ServerSummary {
	summary := ServerSummary{
		ServerName: c.config.ServerName,
		ServerPID:  c.config.ServerPID,
	}

	for _, subKey := range c.tool.SubKeys() {
		task := c.tool.GetTask(subKey)
		if task == nil {
			continue
		}
		gd, nonGD := task.GetQueueDepth()
		delivered, failures := task.Stats()
		summary.Tasks = append(summary.Tasks, TaskDetails{
			SubKey:         subKey,
			TopicName:      task.TopicName,
			State:          task.State(),
			GDDepth:        gd,
			NonGDDepth:     nonGD,
			DeliveredCount: delivered,
			FailureCount:   failures,
			LastRun:        task.LastRun(),
		})
		summary.GDDepth += gd
		summary.NonGDDepth += nonGD
	}
	return summary
}

// GetList aggregates task details from every server process owning at
// least one sub_key. Processes that cannot be reached are skipped and
// logged; one dead PID must not hide the rest of the cluster.
func (c *Coordinator) GetList(ctx context.Context) ([]ServerSummary, error) {
	rows, err := c.store.SubKeyServers(ctx)
	if err != nil {
		return nil, err
	}

	type serverKey struct {
		name string
		pid  int
	}
	seen := map[serverKey]struct{}{}
	var servers []serverKey
	for _, row := range rows {
		key := serverKey{row.ServerName, row.ServerPID}
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			servers = append(servers, key)
		}
	}

	var out []ServerSummary
	for _, server := range servers {
		if server.name == c.config.ServerName && server.pid == c.config.ServerPID {
			out = append(out, c.GetDetails())
			continue
		}

		if c.registry == nil {
			c.logger.Printf("no invoker registry, skipping %s:%d", server.name, server.pid)
			continue
		}
		invoker, ok := c.registry.Invoker(server.name, server.pid)
		if !ok {
			c.logger.Printf("no invoker for %s:%d, skipping", server.name, server.pid)
			continue
		}
		var summary ServerSummary
		if err := invoker.Invoke(ctx, DetailsService, nil, &summary); err != nil {
			c.logger.Printf("cannot invoke %s:%d, skipping: %v", server.name, server.pid, err)
			continue
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].ServerPID < out[j].ServerPID
	})
	return out, nil
}

// GetServerPIDForSubKey returns the ownership record of a sub_key, or nil
// when no process owns it.
func (c *Coordinator) GetServerPIDForSubKey(ctx context.Context, subKey string) (*storage.SubKeyServerRow, error) {
	return c.store.ServerForSubKey(ctx, subKey)
}

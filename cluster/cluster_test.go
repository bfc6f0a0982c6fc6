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

package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/pubsub/storage"
	"github.com/zatosource/zato/test/assert"
)

type fakeStore struct {
	rows []storage.SubKeyServerRow
}

func (s *fakeStore) SubKeyServers(_ context.Context) ([]storage.SubKeyServerRow, error) {
	return s.rows, nil
}

func (s *fakeStore) ServerForSubKey(_ context.Context, subKey string) (*storage.SubKeyServerRow, error) {
	for i := range s.rows {
		if s.rows[i].SubKey == subKey {
			return &s.rows[i], nil
		}
	}
	return nil, nil
}

type fakeInvoker struct {
	summary ServerSummary
	err     error
	calls   int
}

func (i *fakeInvoker) Invoke(_ context.Context, service string, _, response interface{}) error {
	i.calls++
	if i.err != nil {
		return i.err
	}
	if service != DetailsService {
		return errors.New("unknown service " + service)
	}
	*(response.(*ServerSummary)) = i.summary
	return nil
}

type fakeRegistry struct {
	invokers map[string]*fakeInvoker
}

func registryKey(serverName string, serverPID int) string {
	return fmt.Sprintf("%s:%d", serverName, serverPID)
}

func (r *fakeRegistry) Invoker(serverName string, serverPID int) (Invoker, bool) {
	invoker, ok := r.invokers[registryKey(serverName, serverPID)]
	return invoker, ok
}

func newTestCoordinator(t *testing.T, store OwnershipStore, registry InvokerRegistry) (*Coordinator, *pubsub.PubSubTool) {
	t.Helper()
	config := types.NewConfig(
		types.WithLogger(types.NopLogger()),
		types.WithCluster(1, "server1", 1),
	)
	tool := pubsub.NewPubSubTool(&config, nil, nil)
	t.Cleanup(tool.Stop)
	return NewCoordinator(&config, tool, store, registry), tool
}

func TestGetDetailsReportsLocalTasks(t *testing.T) {
	coordinator, tool := newTestCoordinator(t, &fakeStore{}, &fakeRegistry{})

	task := tool.AddSubKey("zpsk.a", "orders.eu", types.DeliveryMethodPull)
	_, err := task.AddMessages(
		&types.Message{PubMsgID: "zpsm.1", PubTime: 100, HasGD: true},
		&types.Message{PubMsgID: "zpsm.2", PubTime: 200, HasGD: true},
		&types.Message{PubMsgID: "zpsm.3", PubTime: 300},
	)
	assert.Nil(t, err)
	tool.AddSubKey("zpsk.b", "invoices.eu", types.DeliveryMethodPull)

	summary := coordinator.GetDetails()
	assert.Equal(t, "server1", summary.ServerName)
	assert.Equal(t, 1, summary.ServerPID)
	assert.Equal(t, 2, len(summary.Tasks))
	assert.Equal(t, "zpsk.a", summary.Tasks[0].SubKey)
	assert.Equal(t, "orders.eu", summary.Tasks[0].TopicName)
	assert.Equal(t, 2, summary.Tasks[0].GDDepth)
	assert.Equal(t, 1, summary.Tasks[0].NonGDDepth)
	assert.Equal(t, 2, summary.GDDepth)
	assert.Equal(t, 1, summary.NonGDDepth)
	assert.Equal(t, 3, summary.Messages())
}

func TestGetListAggregatesAcrossServers(t *testing.T) {
	store := &fakeStore{rows: []storage.SubKeyServerRow{
		{SubKey: "zpsk.a", ServerName: "server1", ServerPID: 1},
		{SubKey: "zpsk.b", ServerName: "server2", ServerPID: 2},
		{SubKey: "zpsk.c", ServerName: "server2", ServerPID: 2},
	}}
	remote := &fakeInvoker{summary: ServerSummary{
		ServerName: "server2", ServerPID: 2,
		Tasks:   []TaskDetails{{SubKey: "zpsk.b"}, {SubKey: "zpsk.c"}},
		GDDepth: 7, NonGDDepth: 3,
	}}
	registry := &fakeRegistry{invokers: map[string]*fakeInvoker{
		registryKey("server2", 2): remote,
	}}

	coordinator, tool := newTestCoordinator(t, store, registry)
	tool.AddSubKey("zpsk.a", "orders.eu", types.DeliveryMethodPull)

	summaries, err := coordinator.GetList(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 2, len(summaries))

	// Sorted by server name then PID; each remote pair is invoked once.
	assert.Equal(t, "server1", summaries[0].ServerName)
	assert.Equal(t, "server2", summaries[1].ServerName)
	assert.Equal(t, 10, summaries[1].Messages())
	assert.Equal(t, 1, remote.calls)
}

func TestGetListSkipsUnreachableServers(t *testing.T) {
	store := &fakeStore{rows: []storage.SubKeyServerRow{
		{SubKey: "zpsk.a", ServerName: "server1", ServerPID: 1},
		{SubKey: "zpsk.b", ServerName: "server2", ServerPID: 2},
		{SubKey: "zpsk.c", ServerName: "server3", ServerPID: 3},
	}}
	registry := &fakeRegistry{invokers: map[string]*fakeInvoker{
		// server2 has an invoker that fails, server3 has none at all.
		registryKey("server2", 2): {err: errors.New("connection refused")},
	}}

	coordinator, tool := newTestCoordinator(t, store, registry)
	tool.AddSubKey("zpsk.a", "orders.eu", types.DeliveryMethodPull)

	summaries, err := coordinator.GetList(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 1, len(summaries))
	assert.Equal(t, "server1", summaries[0].ServerName)
}

func TestGetServerPIDForSubKey(t *testing.T) {
	store := &fakeStore{rows: []storage.SubKeyServerRow{
		{SubKey: "zpsk.a", ServerName: "server1", ServerPID: 1},
	}}
	coordinator, _ := newTestCoordinator(t, store, &fakeRegistry{})

	row, err := coordinator.GetServerPIDForSubKey(context.Background(), "zpsk.a")
	assert.Nil(t, err)
	assert.NotNil(t, row)
	assert.Equal(t, "server1", row.ServerName)

	row, err = coordinator.GetServerPIDForSubKey(context.Background(), "zpsk.missing")
	assert.Nil(t, err)
	assert.Nil(t, row)
}

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
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/rules"
	"github.com/zatosource/zato/test/assert"
	"github.com/zatosource/zato/utils/json"
)

type restFixture struct {
	server *Server
	ps     *pubsub.PubSub
	users  *UserStore
}

func newRestFixture(t *testing.T) *restFixture {
	t.Helper()

	config := types.NewConfig(
		types.WithLogger(types.NopLogger()),
		types.WithCluster(1, "server1", 9001),
		types.WithDeliveryBatchSize(50),
	)

	users, err := NewUserStore(filepath.Join(t.TempDir(), "users.json"))
	assert.Nil(t, err)
	assert.Nil(t, users.SetUser("alice", "secret"))
	assert.Nil(t, users.SetUser("bob", "hunter2"))

	ps := pubsub.NewPubSub(&config, nil, nil, nil)
	t.Cleanup(ps.Stop)
	assert.Nil(t, ps.Matcher().AddClient("alice", pubsub.PermissionSet{
		Pub: []string{"**"},
		Sub: []string{"**"},
	}))

	ps.CreateTopic(&types.Topic{ID: 1, Name: "orders.eu", IsActive: true})

	return &restFixture{
		server: NewServer(&config, "127.0.0.1:0", users, ps),
		ps:     ps,
		users:  users,
	}
}

func (f *restFixture) do(t *testing.T, method, path string, body interface{}, username, password string) (int, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.Nil(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)

	var response APIResponse
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return recorder.Code, response
}

func TestAuthRequired(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodPost, "/pubsub/topic/orders.eu",
		publishRequest{Data: "x"}, "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, response.IsOK)
	assert.NotEqual(t, "", response.CID)

	status, _ = f.do(t, http.MethodPost, "/pubsub/topic/orders.eu",
		publishRequest{Data: "x"}, "alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodGet, "/pubsub/health", nil, "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)
}

func TestPublishSubscribePullRoundTrip(t *testing.T) {
	f := newRestFixture(t)

	status, subResponse := f.do(t, http.MethodPost, "/pubsub/subscribe/topic/orders.eu",
		nil, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, subResponse.IsOK)
	assert.NotEqual(t, "", subResponse.SubKey)

	status, pubResponse := f.do(t, http.MethodPost, "/pubsub/topic/orders.eu",
		publishRequest{Data: "hello", Priority: 7}, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, pubResponse.IsOK)
	assert.NotEqual(t, "", pubResponse.MsgID)

	status, getResponse := f.do(t, http.MethodPost, "/pubsub/messages/get",
		subKeyRequest{SubKey: subResponse.SubKey, BatchSize: 10}, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, getResponse.IsOK)
	assert.NotNil(t, getResponse.MessageCount)
	assert.Equal(t, 1, *getResponse.MessageCount)
	assert.Equal(t, pubResponse.MsgID, getResponse.Messages[0].PubMsgID)
	assert.Equal(t, "hello", getResponse.Messages[0].Data)
	assert.Equal(t, 7, getResponse.Messages[0].Priority)

	// The queue is drained now; another get is still a normal response.
	status, getResponse = f.do(t, http.MethodPost, "/pubsub/messages/get",
		subKeyRequest{SubKey: subResponse.SubKey}, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, *getResponse.MessageCount)
}

func TestSubscribeWithConfig(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodPost, "/pubsub/subscribe/topic/orders.eu",
		subscribeRequest{Config: map[string]interface{}{
			"delivery_method":     types.DeliveryMethodPull,
			"delivery_batch_size": 25,
		}}, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)

	sub := f.ps.GetSubscription(response.SubKey)
	assert.NotNil(t, sub)
	assert.Equal(t, types.DeliveryMethodPull, sub.Config.DeliveryMethod)
	assert.Equal(t, 25, sub.Config.DeliveryBatchSize)

	status, _ = f.do(t, http.MethodPost, "/pubsub/subscribe/topic/orders.eu",
		subscribeRequest{Config: map[string]interface{}{
			"delivery_batch_size": "not a number",
		}}, "alice", "secret")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPublishForbiddenWithoutPermissions(t *testing.T) {
	f := newRestFixture(t)

	// bob authenticates fine but has no topic permissions.
	status, response := f.do(t, http.MethodPost, "/pubsub/topic/orders.eu",
		publishRequest{Data: "x"}, "bob", "hunter2")
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, response.IsOK)
}

func TestPublishUnknownTopicIs404(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodPost, "/pubsub/topic/no.such.topic",
		publishRequest{Data: "x"}, "alice", "secret")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, response.IsOK)
}

func TestMessagesGetUnknownSubKeyIs404(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodPost, "/pubsub/messages/get",
		subKeyRequest{SubKey: "zpsk.missing"}, "alice", "secret")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, response.IsOK)
}

func TestUnsubscribe(t *testing.T) {
	f := newRestFixture(t)

	_, subResponse := f.do(t, http.MethodPost, "/pubsub/subscribe/topic/orders.eu",
		nil, "alice", "secret")

	status, response := f.do(t, http.MethodDelete, "/pubsub/subscribe/topic/orders.eu",
		subKeyRequest{SubKey: subResponse.SubKey}, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)

	status, _ = f.do(t, http.MethodPost, "/pubsub/messages/get",
		subKeyRequest{SubKey: subResponse.SubKey}, "alice", "secret")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDiagnostics(t *testing.T) {
	f := newRestFixture(t)

	_, subResponse := f.do(t, http.MethodPost, "/pubsub/subscribe/topic/orders.eu",
		nil, "alice", "secret")
	_, _ = f.do(t, http.MethodPost, "/pubsub/topic/orders.eu",
		publishRequest{Data: "x"}, "alice", "secret")
	_ = subResponse

	status, response := f.do(t, http.MethodGet, "/pubsub/admin/diagnostics",
		nil, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)
	assert.NotNil(t, response.QueueDepthGD)
	assert.NotNil(t, response.QueueDepthNonGD)
	assert.Equal(t, 0, *response.QueueDepthGD)
	assert.Equal(t, 1, *response.QueueDepthNonGD)
}

func TestDiagnosticsReportsBrokerQueueDepth(t *testing.T) {
	f := newRestFixture(t)

	f.server.SetBrokerAPI(newBrokerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"orders.eu","messages":42,"consumers":1,"state":"running"}`))
	}))

	status, response := f.do(t, http.MethodGet, "/pubsub/admin/diagnostics",
		nil, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)
	assert.Equal(t, 42, response.BrokerQueueDepth["orders.eu"])
}

func TestDiagnosticsBrokerQueueMissingReadsAsZero(t *testing.T) {
	f := newRestFixture(t)

	f.server.SetBrokerAPI(newBrokerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	status, response := f.do(t, http.MethodGet, "/pubsub/admin/diagnostics",
		nil, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)
	assert.Equal(t, 0, response.BrokerQueueDepth["orders.eu"])
	assert.Equal(t, "", response.Details)
}

func TestDiagnosticsBrokerFailureDegrades(t *testing.T) {
	f := newRestFixture(t)

	f.server.SetBrokerAPI(newBrokerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	status, response := f.do(t, http.MethodGet, "/pubsub/admin/diagnostics",
		nil, "alice", "secret")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, response.IsOK)
	assert.Equal(t, 0, len(response.BrokerQueueDepth))
	assert.Equal(t, "broker view unavailable", response.Details)
}

func TestRulesMatch(t *testing.T) {
	f := newRestFixture(t)

	manager := rules.NewRulesManager(types.NopLogger())
	_, err := manager.LoadParsedRules(rules.ParsedRules{
		"vip": {
			FullName: "routing.vip", Name: "vip", ContainerName: "routing",
			When: "tier == 'gold'",
			Then: map[string]interface{}{"queue": "priority"},
		},
	}, "routing")
	assert.Nil(t, err)
	f.server.SetRulesManager(manager)

	body, err := json.Marshal(matchRequest{Data: map[string]interface{}{"tier": "gold"}})
	assert.Nil(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rules/match", bytes.NewReader(body))
	req.SetBasicAuth("alice", "secret")
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	var response matchResponse
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.IsOK)
	assert.True(t, response.Matched)
	assert.Equal(t, "routing.vip", response.FullName)
	assert.Equal(t, "priority", response.Then["queue"])

	// No match is a normal response.
	body, _ = json.Marshal(matchRequest{Data: map[string]interface{}{"tier": "basic"}})
	req = httptest.NewRequest(http.MethodPost, "/rules/match", bytes.NewReader(body))
	req.SetBasicAuth("alice", "secret")
	recorder = httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.IsOK)
	assert.False(t, response.Matched)
}

func TestRulesMatchDisabled(t *testing.T) {
	f := newRestFixture(t)

	status, response := f.do(t, http.MethodPost, "/rules/match",
		matchRequest{Data: map[string]interface{}{}}, "alice", "secret")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, response.IsOK)
}

func TestBadRequestBody(t *testing.T) {
	f := newRestFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/pubsub/messages/get",
		bytes.NewReader([]byte("{not json")))
	req.SetBasicAuth("alice", "secret")
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

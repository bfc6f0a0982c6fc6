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

package broker

import (
	"testing"

	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/test/assert"
)

func TestNotifyTopicIsPerServerProcess(t *testing.T) {
	topic := NotifyTopic(pubsub.ServerInfo{ServerName: "server1", ServerPID: 9001})
	assert.Equal(t, "zato/cluster/server1/9001/pubsub", topic)

	other := NotifyTopic(pubsub.ServerInfo{ServerName: "server1", ServerPID: 9002})
	assert.NotEqual(t, topic, other)
}

func TestTLSConfigIsOptional(t *testing.T) {
	cfg, err := newTLSConfig("", "", "")
	assert.Nil(t, err)
	assert.True(t, cfg == nil)

	_, err = newTLSConfig("no-such-ca.pem", "", "")
	assert.NotNil(t, err)
}

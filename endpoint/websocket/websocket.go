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

// Package websocket delivers messages to subscribers over a persistent
// WebSocket connection instead of the pull API. A connection subscribes on
// open and its subscription is removed when it goes away.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/utils/json"
	"github.com/zatosource/zato/utils/str"
)

const writeTimeout = 10 * time.Second

// Backend is what the WebSocket layer needs from the pub/sub core.
type Backend interface {
	Subscribe(ctx context.Context, clientID, topicName string, config *types.SubConfig) (*types.Subscription, error)
	Unsubscribe(subKey string) error
}

// Authenticator checks HTTP Basic credentials on connection open.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// subscribedFrame is the first frame sent to a new connection.
type subscribedFrame struct {
	IsOK   bool   `json:"is_ok"`
	CID    string `json:"cid"`
	SubKey string `json:"sub_key"`
}

// deliveryFrame wraps one delivered batch.
type deliveryFrame struct {
	CID      string           `json:"cid"`
	Messages []*types.Message `json:"messages"`
}

type connection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// write serializes all writes to one connection.
func (c *connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server upgrades HTTP requests and pushes deliveries to the connections
// it holds. Its Deliver method is the DeliverFunc wired into the delivery
// tool, so tasks for WebSocket sub_keys push straight into the socket.
type Server struct {
	logger   types.Logger
	backend  Backend
	auth     Authenticator
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection // sub_key -> connection
}

func NewServer(logger types.Logger, backend Backend, auth Authenticator) *Server {
	return &Server{
		logger:  types.NewLogger(logger),
		backend: backend,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: map[string]*connection{},
	}
}

// Handler serves GET /pubsub/ws?topic=<name>.
func (s *Server) Handler(w http.ResponseWriter, r *http.Request) {
	cid := str.NewCID()

	username, password, ok := r.BasicAuth()
	if !ok || !s.auth.Authenticate(username, password) {
		s.logger.Printf("cid %s: websocket authentication failed", cid)
		w.Header().Set("WWW-Authenticate", `Basic realm="zato-pubsub"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	topicName := r.URL.Query().Get("topic")
	if topicName == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	sub, err := s.backend.Subscribe(r.Context(), username, topicName, &types.SubConfig{
		DeliveryMethod: types.DeliveryMethodWebSocket,
		EndpointType:   types.EndpointTypeWebSockets,
	})
	if err != nil {
		s.logger.Printf("cid %s: cannot subscribe %s to %s: %v", cid, username, topicName, err)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("cid %s: upgrade failed: %v", cid, err)
		s.backend.Unsubscribe(sub.SubKey)
		return
	}

	conn := &connection{conn: wsConn}
	s.mu.Lock()
	s.conns[sub.SubKey] = conn
	s.mu.Unlock()

	ack, _ := json.Marshal(subscribedFrame{IsOK: true, CID: cid, SubKey: sub.SubKey})
	if err := conn.write(ack); err != nil {
		s.logger.Printf("cid %s: cannot send ack: %v", cid, err)
		s.drop(sub.SubKey, conn)
		return
	}

	s.logger.Printf("cid %s: %s connected with sub_key %s (topic %s)", cid, username, sub.SubKey, topicName)
	go s.readLoop(sub.SubKey, conn)
}

// readLoop drains the connection until it closes; inbound frames other
// than control messages are ignored.
func (s *Server) readLoop(subKey string, conn *connection) {
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			s.drop(subKey, conn)
			return
		}
	}
}

func (s *Server) drop(subKey string, conn *connection) {
	s.mu.Lock()
	if s.conns[subKey] == conn {
		delete(s.conns, subKey)
	}
	s.mu.Unlock()

	conn.conn.Close()
	if err := s.backend.Unsubscribe(subKey); err != nil {
		s.logger.Printf("cannot unsubscribe %s: %v", subKey, err)
	} else {
		s.logger.Printf("connection gone, unsubscribed %s", subKey)
	}
}

// Deliver pushes a batch to the sub_key's connection. A missing connection
// is an error so the delivery task backs off and retries.
func (s *Server) Deliver(_ context.Context, subKey string, messages []*types.Message) error {
	s.mu.RLock()
	conn := s.conns[subKey]
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection for sub_key %s", subKey)
	}

	data, err := json.Marshal(deliveryFrame{CID: str.NewCID(), Messages: messages})
	if err != nil {
		return err
	}
	return conn.write(data)
}

// ConnectionCount returns how many subscriber connections are open.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pubsub.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, pubsub.ErrTopicNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

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

// Package rest exposes publish, subscribe and message retrieval over HTTP.
// Every response carries a correlation id so one request can be traced
// through the logs of all processes it touched.
package rest

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/cluster"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/rules"
	"github.com/zatosource/zato/utils/json"
	"github.com/zatosource/zato/utils/maps"
	"github.com/zatosource/zato/utils/str"
)

// DefaultMaxConnections caps concurrent client connections per server.
const DefaultMaxConnections = 512

// Backend is what the REST layer needs from the pub/sub core.
// *pubsub.PubSub implements it.
type Backend interface {
	Publish(ctx context.Context, clientID, topicName string, params pubsub.PublishParams) (string, error)
	Subscribe(ctx context.Context, clientID, topicName string, config *types.SubConfig) (*types.Subscription, error)
	Unsubscribe(subKey string) error
	GetQueueDepth(subKey string) (int, int, error)
	TopicNames() []string
	Tool() *pubsub.PubSubTool
}

// APIResponse is the uniform response envelope.
type APIResponse struct {
	IsOK    bool   `json:"is_ok"`
	CID     string `json:"cid"`
	Details string `json:"details,omitempty"`

	MsgID  string `json:"msg_id,omitempty"`
	SubKey string `json:"sub_key,omitempty"`

	QueueDepthGD    *int `json:"queue_depth_gd,omitempty"`
	QueueDepthNonGD *int `json:"queue_depth_non_gd,omitempty"`

	// BrokerQueueDepth maps topic names to their broker-side queue depths.
	BrokerQueueDepth map[string]int `json:"broker_queue_depth,omitempty"`

	Messages     []*types.Message `json:"messages,omitempty"`
	MessageCount *int             `json:"message_count,omitempty"`

	Servers []cluster.ServerSummary `json:"servers,omitempty"`
}

type publishRequest struct {
	Data        string `json:"data"`
	Priority    int    `json:"priority"`
	Expiration  int64  `json:"expiration,omitempty"` // milliseconds
	MimeType    string `json:"mime_type,omitempty"`
	CorrelID    string `json:"correl_id,omitempty"`
	InReplyTo   string `json:"in_reply_to,omitempty"`
	ExtClientID string `json:"ext_client_id,omitempty"`
}

type subscribeRequest struct {
	// Config carries optional subscription settings, keyed like
	// types.SubConfig's mapstructure tags, e.g. "delivery_method".
	Config map[string]interface{} `json:"config,omitempty"`
}

type subKeyRequest struct {
	SubKey    string `json:"sub_key"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type matchRequest struct {
	Data  map[string]interface{} `json:"data"`
	Rules []string               `json:"rules,omitempty"`
}

type matchResponse struct {
	IsOK     bool                   `json:"is_ok"`
	CID      string                 `json:"cid"`
	Matched  bool                   `json:"matched"`
	FullName string                 `json:"full_name,omitempty"`
	Then     map[string]interface{} `json:"then,omitempty"`
}

// Server is the REST front of one server process.
type Server struct {
	config  *types.Config
	logger  types.Logger
	addr    string
	users   *UserStore
	backend Backend

	// Optional collaborators.
	coordinator *cluster.Coordinator
	brokerAPI   *BrokerAPIClient
	rules       *rules.RulesManager

	maxConns   int
	router     *httprouter.Router
	httpServer *http.Server
}

func NewServer(config *types.Config, addr string, users *UserStore, backend Backend) *Server {
	s := &Server{
		config:   config,
		logger:   types.NewLogger(config.Logger),
		addr:     addr,
		users:    users,
		backend:  backend,
		maxConns: DefaultMaxConnections,
	}
	s.router = s.newRouter()
	return s
}

// SetCoordinator enables the diagnostics route's cluster view.
func (s *Server) SetCoordinator(coordinator *cluster.Coordinator) {
	s.coordinator = coordinator
}

// SetBrokerAPI enables broker queue checks in diagnostics.
func (s *Server) SetBrokerAPI(brokerAPI *BrokerAPIClient) {
	s.brokerAPI = brokerAPI
}

// SetRulesManager enables the rule matching route.
func (s *Server) SetRulesManager(manager *rules.RulesManager) {
	s.rules = manager
}

// SetWebSocketHandler mounts a push delivery endpoint on the router.
func (s *Server) SetWebSocketHandler(path string, handler http.HandlerFunc) {
	s.router.HandlerFunc(http.MethodGet, path, handler)
}

// SetMaxConnections overrides the concurrent connection cap.
func (s *Server) SetMaxConnections(maxConns int) {
	if maxConns > 0 {
		s.maxConns = maxConns
	}
}

func (s *Server) newRouter() *httprouter.Router {
	router := httprouter.New()

	router.POST("/pubsub/topic/:topic", s.authenticated(s.onPublish))
	router.POST("/pubsub/subscribe/topic/:topic", s.authenticated(s.onSubscribe))
	router.DELETE("/pubsub/subscribe/topic/:topic", s.authenticated(s.onUnsubscribe))
	router.POST("/pubsub/unsubscribe/topic/:topic", s.authenticated(s.onUnsubscribe))
	router.POST("/pubsub/messages/get", s.authenticated(s.onMessagesGet))
	router.POST("/rules/match", s.authenticated(s.onRulesMatch))
	router.GET("/pubsub/health", s.onHealth)
	router.GET("/pubsub/admin/diagnostics", s.authenticated(s.onDiagnostics))

	return router
}

// Router returns the HTTP handler, usable directly in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is done. The listener is capped so a flood of
// connections degrades into queueing instead of exhausting descriptors.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	listener = netutil.LimitListener(listener, s.maxConns)

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("listening on %s (max %d connections)", s.addr, s.maxConns)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authenticated wraps a handler with HTTP Basic authentication and a fresh
// correlation id.
func (s *Server) authenticated(handler func(http.ResponseWriter, *http.Request, httprouter.Params, string, string)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		cid := str.NewCID()

		username, password, ok := r.BasicAuth()
		if !ok || !s.users.Authenticate(username, password) {
			s.logger.Printf("cid %s: authentication failed for %s %s", cid, r.Method, r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Basic realm="zato-pubsub"`)
			s.writeResponse(w, http.StatusUnauthorized, APIResponse{
				IsOK: false, CID: cid, Details: "unauthorized",
			})
			return
		}
		handler(w, r, params, cid, username)
	}
}

func (s *Server) onPublish(w http.ResponseWriter, r *http.Request, params httprouter.Params, cid, username string) {
	topicName := params.ByName("topic")

	var req publishRequest
	if !s.readJSON(w, r, cid, &req) {
		return
	}

	msgID, err := s.backend.Publish(r.Context(), username, topicName, pubsub.PublishParams{
		Data:        req.Data,
		Priority:    req.Priority,
		Expiration:  time.Duration(req.Expiration) * time.Millisecond,
		MimeType:    req.MimeType,
		CorrelID:    req.CorrelID,
		InReplyTo:   req.InReplyTo,
		ExtClientID: req.ExtClientID,
	})
	if err != nil {
		s.writeError(w, cid, err)
		return
	}

	s.logger.Printf("cid %s: %s published %s to %s", cid, username, msgID, topicName)
	s.writeResponse(w, http.StatusOK, APIResponse{IsOK: true, CID: cid, MsgID: msgID})
}

func (s *Server) onSubscribe(w http.ResponseWriter, r *http.Request, params httprouter.Params, cid, username string) {
	topicName := params.ByName("topic")

	var req subscribeRequest
	if !s.readJSON(w, r, cid, &req) {
		return
	}

	var subConfig *types.SubConfig
	if len(req.Config) > 0 {
		subConfig = &types.SubConfig{}
		if err := maps.Map2Struct(req.Config, subConfig); err != nil {
			s.writeResponse(w, http.StatusBadRequest, APIResponse{
				IsOK: false, CID: cid, Details: "invalid subscription config",
			})
			return
		}
	}

	sub, err := s.backend.Subscribe(r.Context(), username, topicName, subConfig)
	if err != nil {
		s.writeError(w, cid, err)
		return
	}

	s.logger.Printf("cid %s: %s subscribed to %s as %s", cid, username, topicName, sub.SubKey)
	s.writeResponse(w, http.StatusOK, APIResponse{IsOK: true, CID: cid, SubKey: sub.SubKey})
}

func (s *Server) onUnsubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params, cid, username string) {
	var req subKeyRequest
	if !s.readJSON(w, r, cid, &req) {
		return
	}

	if err := s.backend.Unsubscribe(req.SubKey); err != nil {
		s.writeError(w, cid, err)
		return
	}

	s.logger.Printf("cid %s: %s unsubscribed %s", cid, username, req.SubKey)
	s.writeResponse(w, http.StatusOK, APIResponse{IsOK: true, CID: cid, SubKey: req.SubKey})
}

// onMessagesGet hands waiting messages to a pull subscriber. An empty queue
// is a normal response with zero messages, never an error.
func (s *Server) onMessagesGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params, cid, username string) {
	var req subKeyRequest
	if !s.readJSON(w, r, cid, &req) {
		return
	}

	task := s.backend.Tool().GetTask(req.SubKey)
	if task == nil {
		s.writeResponse(w, http.StatusNotFound, APIResponse{
			IsOK: false, CID: cid, Details: "unknown sub_key",
		})
		return
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.config.DeliveryBatchSize
	}

	messages := task.PullMessages(r.Context(), batchSize)
	if messages == nil {
		messages = []*types.Message{}
	}
	count := len(messages)

	s.logger.Printf("cid %s: %s pulled %d messages from %s", cid, username, count, req.SubKey)
	s.writeResponse(w, http.StatusOK, APIResponse{
		IsOK: true, CID: cid, Messages: messages, MessageCount: &count,
	})
}

// onRulesMatch evaluates the loaded rules against one input document and
// returns the first match, if any. No match is a normal response.
func (s *Server) onRulesMatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params, cid, username string) {
	if s.rules == nil {
		s.writeResponse(w, http.StatusNotFound, APIResponse{
			IsOK: false, CID: cid, Details: "rule matching is not enabled",
		})
		return
	}

	var req matchRequest
	if !s.readJSON(w, r, cid, &req) {
		return
	}

	result := s.rules.Match(req.Data, req.Rules...)
	response := matchResponse{IsOK: true, CID: cid, Matched: result.Matched()}
	if result != nil && result.Matched() {
		response.FullName = result.FullName
		response.Then = result.Then
	}

	s.logger.Printf("cid %s: %s matched=%v rule=%s", cid, username, response.Matched, response.FullName)
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Printf("cid %s: cannot marshal response: %v", cid, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) onHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeResponse(w, http.StatusOK, APIResponse{IsOK: true, CID: str.NewCID()})
}

// onDiagnostics reports the cluster-wide delivery-task state. Unreachable
// collaborators degrade the response, they do not fail it.
func (s *Server) onDiagnostics(w http.ResponseWriter, r *http.Request, _ httprouter.Params, cid, _ string) {
	response := APIResponse{IsOK: true, CID: cid}

	if s.coordinator != nil {
		servers, err := s.coordinator.GetList(r.Context())
		if err != nil {
			s.logger.Printf("cid %s: cannot list servers: %v", cid, err)
			response.Details = "cluster view unavailable"
		} else {
			response.Servers = servers
		}
	}

	gd, nonGD := s.backend.Tool().TotalQueueDepth()
	response.QueueDepthGD = &gd
	response.QueueDepthNonGD = &nonGD

	// Broker-side depths per topic. A missing queue reads as zero; auth
	// and transient failures degrade the response like the cluster view.
	if s.brokerAPI != nil {
		depths := map[string]int{}
		for _, topicName := range s.backend.TopicNames() {
			depth, err := s.brokerAPI.GetQueueDepth(r.Context(), topicName)
			if err != nil {
				s.logger.Printf("cid %s: cannot check broker queue %s: %v", cid, topicName, err)
				response.Details = "broker view unavailable"
				continue
			}
			depths[topicName] = depth
		}
		if len(depths) > 0 {
			response.BrokerQueueDepth = depths
		}
	}

	s.writeResponse(w, http.StatusOK, response)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, cid string, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, APIResponse{
			IsOK: false, CID: cid, Details: "invalid request body",
		})
		return false
	}
	return true
}

// writeError maps backend errors to status codes. Error values stay error
// values all the way to the response.
func (s *Server) writeError(w http.ResponseWriter, cid string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pubsub.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, pubsub.ErrTopicNotFound), errors.Is(err, pubsub.ErrSubKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pubsub.ErrTopicInactive):
		status = http.StatusConflict
	}
	s.logger.Printf("cid %s: %v", cid, err)
	s.writeResponse(w, status, APIResponse{IsOK: false, CID: cid, Details: err.Error()})
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, response APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Printf("cid %s: cannot marshal response: %v", response.CID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

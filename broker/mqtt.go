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

// Package broker connects server processes over MQTT. Publication
// notifications for sub_keys owned by other processes travel through it.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/utils/json"
	"github.com/zatosource/zato/utils/str"
)

// Handler processes messages arriving on one subscribed topic.
type Handler struct {
	Topic  string
	Qos    byte
	Handle func(c paho.Client, data paho.Message)
}

// Config is the MQTT connection configuration.
type Config struct {
	Server   string
	Username string
	Password string

	MaxReconnectInterval time.Duration
	QOS                  uint8
	CleanSession         bool

	ClientID    string
	CAFile      string
	CertFile    string
	CertKeyFile string
}

// Client is the MQTT client shared by all cluster messaging of one process.
type Client struct {
	sync.RWMutex
	conf          Config
	logger        types.Logger
	client        paho.Client
	msgHandlerMap map[string]Handler
}

// NewClient connects to the MQTT broker, retrying until it succeeds.
func NewClient(conf Config, logger types.Logger) (*Client, error) {
	b := Client{
		conf:          conf,
		logger:        types.NewLogger(logger),
		msgHandlerMap: make(map[string]Handler),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	if conf.ClientID == "" {
		opts.SetClientID("zato/" + str.RandomStr(8))
	} else {
		opts.SetClientID(conf.ClientID)
	}
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if conf.MaxReconnectInterval <= 0 {
		conf.MaxReconnectInterval = time.Second * 60
	}
	opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)

	tlsconfig, err := newTLSConfig(conf.CAFile, conf.CertFile, conf.CertKeyFile)
	if err != nil {
		b.logger.Printf("error loading mqtt certificate files,ca_cert=%s,tls_cert=%s,tls_key=%s", conf.CAFile, conf.CertFile, conf.CertKeyFile)
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	b.logger.Printf("connecting to mqtt broker,server=%s", conf.Server)
	b.client = paho.NewClient(opts)
	for {
		if token := b.client.Connect(); token.Wait() && token.Error() != nil {
			b.logger.Printf("connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// RegisterHandler subscribes a handler to its topic, re-subscribing
// automatically after reconnects.
func (b *Client) RegisterHandler(handler Handler) {
	b.Lock()
	defer b.Unlock()
	b.msgHandlerMap[handler.Topic] = handler
	b.subscribeHandler(handler)
}

// UnregisterHandler unsubscribes from a topic.
func (b *Client) UnregisterHandler(topic string) error {
	if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	b.Lock()
	defer b.Unlock()
	delete(b.msgHandlerMap, topic)
	return nil
}

func (b *Client) Close() error {
	b.RLock()
	defer b.RUnlock()
	for _, v := range b.msgHandlerMap {
		b.client.Unsubscribe(v.Topic)
	}
	b.client.Disconnect(250)
	return nil
}

// Publish sends data to a topic at the configured QOS.
func (b *Client) Publish(topic string, data []byte) error {
	if token := b.client.Publish(topic, b.conf.QOS, false, data); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *Client) onConnected(c paho.Client) {
	b.logger.Printf("connected to mqtt server")
	b.RLock()
	defer b.RUnlock()
	for _, handler := range b.msgHandlerMap {
		b.subscribeHandler(handler)
	}
}

func (b *Client) subscribeHandler(handler Handler) {
	topic := handler.Topic
	for {
		b.logger.Printf("subscribing to topic,topic=%s,qos=%d", topic, int(handler.Qos))
		if token := b.client.Subscribe(topic, handler.Qos, handler.Handle).(*paho.SubscribeToken); token.Wait() && (token.Error() != nil || is128Err(token, topic)) {
			b.logger.Printf("subscribe error,topic=%s,qos=%d", topic, int(handler.Qos))
			time.Sleep(2 * time.Second)
			continue
		}
		break
	}
}

// is128Err reports the 128 ACL rejection ack.
func is128Err(token *paho.SubscribeToken, topic string) bool {
	result, ok := token.Result()[topic]
	return ok && result == 128
}

func (b *Client) onConnectionLost(c paho.Client, reason error) {
	b.logger.Printf("mqtt connection error: %s", reason)
}

func newTLSConfig(CAFile, certFile, certKeyFile string) (*tls.Config, error) {
	if CAFile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if CAFile != "" {
		caCert, err := os.ReadFile(CAFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		certPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = certPool
	}

	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}

// NotifyTopic is the MQTT topic one server process listens for publication
// notifications on.
func NotifyTopic(server pubsub.ServerInfo) string {
	return fmt.Sprintf("zato/cluster/%s/%d/pubsub", server.ServerName, server.ServerPID)
}

// NotifyNewMessages implements pubsub.Notifier over MQTT.
func (b *Client) NotifyNewMessages(_ context.Context, server pubsub.ServerInfo, msgCtx *types.HandleNewMessageCtx) error {
	data, err := json.Marshal(msgCtx)
	if err != nil {
		return fmt.Errorf("cannot marshal notification cid %s: %w", msgCtx.CID, err)
	}
	return b.Publish(NotifyTopic(server), data)
}

// ListenForNotifications subscribes to this process's notification topic
// and feeds incoming notifications into the delivery tool.
func (b *Client) ListenForNotifications(local pubsub.ServerInfo, tool *pubsub.PubSubTool) {
	b.RegisterHandler(Handler{
		Topic: NotifyTopic(local),
		Qos:   b.conf.QOS,
		Handle: func(c paho.Client, data paho.Message) {
			var msgCtx types.HandleNewMessageCtx
			if err := json.Unmarshal(data.Payload(), &msgCtx); err != nil {
				b.logger.Printf("cannot unmarshal notification: %v", err)
				return
			}
			msgCtx.IsBgCall = true
			if err := tool.HandleNewMessages(context.Background(), &msgCtx); err != nil {
				b.logger.Printf("cid %s: cannot handle notification: %v", msgCtx.CID, err)
			}
		},
	})
}

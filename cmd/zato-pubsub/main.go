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

// Command zato-pubsub runs one pub/sub server process.
//
// Usage:
//
//	zato-pubsub -config config.yaml start
//	zato-pubsub -config config.yaml create-user <username> <password>
//	zato-pubsub -config config.yaml list-users
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zatosource/zato/api/types"
	"github.com/zatosource/zato/broker"
	"github.com/zatosource/zato/cluster"
	"github.com/zatosource/zato/endpoint/rest"
	"github.com/zatosource/zato/endpoint/websocket"
	"github.com/zatosource/zato/pubsub"
	"github.com/zatosource/zato/pubsub/storage"
	"github.com/zatosource/zato/rules"
)

type fileConfig struct {
	Cluster struct {
		ID         int    `yaml:"id"`
		ServerName string `yaml:"server_name"`
	} `yaml:"cluster"`

	Server struct {
		Address        string `yaml:"address"`
		UsersFile      string `yaml:"users_file"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"server"`

	Database struct {
		Driver          string `yaml:"driver"`
		DSN             string `yaml:"dsn"`
		JanitorSchedule string `yaml:"janitor_schedule"`
	} `yaml:"database"`

	Delivery struct {
		BatchSize int `yaml:"batch_size"`
		MaxRetry  int `yaml:"max_retry"`
	} `yaml:"delivery"`

	Broker *struct {
		Server       string `yaml:"server"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		CAFile       string `yaml:"ca_file"`
		CertFile     string `yaml:"cert_file"`
		CertKeyFile  string `yaml:"cert_key_file"`
		CleanSession bool   `yaml:"clean_session"`
	} `yaml:"broker"`

	BrokerAPI *struct {
		URL       string `yaml:"url"`
		VHost     string `yaml:"vhost"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"broker_api"`

	Rules struct {
		Dir string `yaml:"dir"`
	} `yaml:"rules"`

	Topics []struct {
		Name  string `yaml:"name"`
		HasGD bool   `yaml:"has_gd"`
	} `yaml:"topics"`

	Clients []struct {
		Name string   `yaml:"name"`
		Pub  []string `yaml:"pub"`
		Sub  []string `yaml:"sub"`
	} `yaml:"clients"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if cfg.Cluster.ServerName == "" {
		hostname, _ := os.Hostname()
		cfg.Cluster.ServerName = hostname
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0:11223"
	}
	if cfg.Server.UsersFile == "" {
		cfg.Server.UsersFile = "users.json"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
		cfg.Database.DSN = "zato-pubsub.db"
	}
	if cfg.Database.JanitorSchedule == "" {
		cfg.Database.JanitorSchedule = "@every 60s"
	}

	// Environment overrides for the settings that differ between
	// deployments of the same config file.
	if v := os.Getenv("ZATO_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ZATO_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ZATO_SERVER_NAME"); v != "" {
		cfg.Cluster.ServerName = v
	}
	return &cfg, nil
}

// ownershipAdapter persists sub_key ownership rows through the SQL store.
type ownershipAdapter struct {
	store *storage.Store
}

func (a ownershipAdapter) UpsertSubKeyServer(ctx context.Context, subKey, topicName string, server pubsub.ServerInfo) error {
	return a.store.UpsertSubKeyServer(ctx, storage.SubKeyServerRow{
		SubKey:     subKey,
		TopicName:  topicName,
		ServerName: server.ServerName,
		ServerPID:  server.ServerPID,
	})
}

func (a ownershipAdapter) DeleteSubKeyServer(ctx context.Context, subKey string) error {
	return a.store.DeleteSubKeyServer(ctx, subKey)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := types.DefaultLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Printf("cannot load configuration: %v", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"start"}
	}

	switch args[0] {
	case "start":
		if err := start(cfg, logger); err != nil {
			logger.Printf("server error: %v", err)
			os.Exit(1)
		}
	case "create-user":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: zato-pubsub create-user <username> <password>")
			os.Exit(2)
		}
		if err := createUser(cfg, args[1], args[2]); err != nil {
			logger.Printf("cannot create user: %v", err)
			os.Exit(1)
		}
		fmt.Printf("created user %s\n", args[1])
	case "list-users":
		if err := listUsers(cfg); err != nil {
			logger.Printf("cannot list users: %v", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}
}

func createUser(cfg *fileConfig, username, password string) error {
	users, err := rest.NewUserStore(cfg.Server.UsersFile)
	if err != nil {
		return err
	}
	return users.SetUser(username, password)
}

func listUsers(cfg *fileConfig) error {
	users, err := rest.NewUserStore(cfg.Server.UsersFile)
	if err != nil {
		return err
	}
	for _, username := range users.Usernames() {
		fmt.Println(username)
	}
	return nil
}

func start(cfg *fileConfig, logger types.Logger) error {
	config := types.NewConfig(
		types.WithLogger(logger),
		types.WithCluster(cfg.Cluster.ID, cfg.Cluster.ServerName, os.Getpid()),
		types.WithDeliveryBatchSize(cfg.Delivery.BatchSize),
		types.WithDeliveryMaxRetry(cfg.Delivery.MaxRetry),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	users, err := rest.NewUserStore(cfg.Server.UsersFile)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, &config)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.StartJanitor(cfg.Database.JanitorSchedule); err != nil {
		return err
	}

	// The broker is optional; a single-server setup runs without one.
	var notifier pubsub.Notifier
	var brokerClient *broker.Client
	if cfg.Broker != nil {
		brokerClient, err = broker.NewClient(broker.Config{
			Server:       cfg.Broker.Server,
			Username:     cfg.Broker.Username,
			Password:     cfg.Broker.Password,
			CAFile:       cfg.Broker.CAFile,
			CertFile:     cfg.Broker.CertFile,
			CertKeyFile:  cfg.Broker.CertKeyFile,
			CleanSession: cfg.Broker.CleanSession,
		}, logger)
		if err != nil {
			return err
		}
		defer brokerClient.Close()
		notifier = brokerClient
	}

	// The WebSocket server needs the pub/sub core as its backend and the
	// core needs the WebSocket Deliver as its push path, so the delivery
	// function closes over a variable assigned after both exist.
	var wsServer *websocket.Server
	deliver := func(ctx context.Context, subKey string, messages []*types.Message) error {
		return wsServer.Deliver(ctx, subKey, messages)
	}

	ps := pubsub.NewPubSub(&config, store, deliver, notifier)
	defer ps.Stop()
	ps.SetOwnershipRegistry(ownershipAdapter{store: store})
	wsServer = websocket.NewServer(logger, ps, users)

	if brokerClient != nil {
		brokerClient.ListenForNotifications(pubsub.ServerInfo{
			ServerName: config.ServerName,
			ServerPID:  config.ServerPID,
		}, ps.Tool())
	}

	for i, topic := range cfg.Topics {
		ps.CreateTopic(&types.Topic{
			ID:        i + 1,
			Name:      topic.Name,
			IsActive:  true,
			HasGD:     topic.HasGD,
			ClusterID: cfg.Cluster.ID,
		})
	}
	for _, client := range cfg.Clients {
		err := ps.Matcher().AddClient(client.Name, pubsub.PermissionSet{
			Pub: client.Pub,
			Sub: client.Sub,
		})
		if err != nil {
			return fmt.Errorf("client %s: %w", client.Name, err)
		}
	}

	restServer := rest.NewServer(&config, cfg.Server.Address, users, ps)
	restServer.SetCoordinator(cluster.NewCoordinator(&config, ps.Tool(), store, nil))
	restServer.SetMaxConnections(cfg.Server.MaxConnections)
	restServer.SetWebSocketHandler("/pubsub/ws", wsServer.Handler)

	if cfg.BrokerAPI != nil {
		restServer.SetBrokerAPI(rest.NewBrokerAPIClient(
			cfg.BrokerAPI.URL, cfg.BrokerAPI.VHost,
			cfg.BrokerAPI.Username, cfg.BrokerAPI.Password,
			time.Duration(cfg.BrokerAPI.TimeoutMS)*time.Millisecond, logger,
		))
	}

	if cfg.Rules.Dir != "" {
		manager := rules.NewRulesManager(logger)
		loaded, err := manager.LoadRulesFromDirectory(cfg.Rules.Dir)
		if err != nil {
			return fmt.Errorf("cannot load rules from %s: %w", cfg.Rules.Dir, err)
		}
		logger.Printf("loaded %d rules from %s", len(loaded), cfg.Rules.Dir)
		restServer.SetRulesManager(manager)
	}

	return restServer.Start(ctx)
}

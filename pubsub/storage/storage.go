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

// Package storage persists guaranteed-delivery messages and sub_key
// ownership records in SQL. Queries live in queries.sql, embedded at build
// time, and placeholders are rebound for whichever driver is in use. The
// embedded DDL is SQLite-flavored, so migrations run automatically only on
// the sqlite3 driver; PostgreSQL and MySQL deployments manage the schema
// with their own tooling and get the same dialect-neutral DML.
package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/qustavo/dotsql"
	"github.com/robfig/cron/v3"

	"github.com/zatosource/zato/api/types"
)

//go:embed queries.sql
var queriesSQL string

// Delivery statuses of a persisted message.
const (
	StatusToDeliver = 1
	StatusDelivered = 2
	StatusToDelete  = 3
)

var migrations = []string{
	"create-message-table",
	"create-message-index",
	"create-sub-key-server-table",
}

// SubKeyServerRow records which server process owns a sub_key's delivery task.
type SubKeyServerRow struct {
	SubKey     string `db:"sub_key" json:"sub_key"`
	TopicName  string `db:"topic_name" json:"topic_name"`
	ServerName string `db:"server_name" json:"server_name"`
	ServerPID  int    `db:"server_pid" json:"server_pid"`
}

// Store is the SQL-backed message store.
type Store struct {
	db        *sqlx.DB
	dot       *dotsql.DotSql
	logger    types.Logger
	driver    string
	clusterID int
	janitor   *cron.Cron
}

// Open connects to the database and loads the embedded queries. On sqlite3
// it also applies migrations; other drivers expect the schema to exist.
func Open(driver, dsn string, config *types.Config) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s database: %w", driver, err)
	}

	dot, err := dotsql.LoadFromString(queriesSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot load queries: %w", err)
	}

	store := &Store{
		db:        db,
		dot:       dot,
		logger:    types.NewLogger(config.Logger),
		driver:    driver,
		clusterID: config.ClusterID,
	}
	if driver == "sqlite3" {
		if err := store.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		store.logger.Printf("schema for driver %s is managed externally, skipping migrations", driver)
	}
	return store, nil
}

func (s *Store) migrate() error {
	for _, name := range migrations {
		if _, err := s.dot.Exec(s.db, name); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// Close stops the expiration janitor, if any, and closes the database.
func (s *Store) Close() error {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	return s.db.Close()
}

// query returns a named query rebound for the active driver.
func (s *Store) query(name string) (string, error) {
	raw, err := s.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("unknown query %s: %w", name, err)
	}
	return s.db.Rebind(raw), nil
}

// inQuery expands a named query's IN clause for args and rebinds it.
func (s *Store) inQuery(name string, args ...interface{}) (string, []interface{}, error) {
	raw, err := s.dot.Raw(name)
	if err != nil {
		return "", nil, fmt.Errorf("unknown query %s: %w", name, err)
	}
	expanded, expandedArgs, err := sqlx.In(raw, args...)
	if err != nil {
		return "", nil, fmt.Errorf("cannot expand query %s: %w", name, err)
	}
	return s.db.Rebind(expanded), expandedArgs, nil
}

// SaveMessages inserts one row per (sub_key, message) pair inside a single
// transaction.
func (s *Store) SaveMessages(ctx context.Context, messages []*types.Message) error {
	query, err := s.query("insert-message")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, msg := range messages {
		_, err := tx.ExecContext(ctx, query,
			s.clusterID, msg.PubMsgID, msg.CorrelID, msg.InReplyTo, msg.ExtClientID,
			msg.TopicName, msg.SubKey, msg.Data, msg.MimeType, msg.Size, msg.Priority,
			msg.PubTime, msg.RecvTime, msg.Expiration, msg.ExpirationTime,
			msg.DeliveryCount, msg.HasGD)
		if err != nil {
			return fmt.Errorf("cannot insert message %s for sub_key %s: %w", msg.PubMsgID, msg.SubKey, err)
		}
	}
	return tx.Commit()
}

// MessagesBySubKeys returns undelivered messages for the sub_keys with
// pub_time in [lastRun, pubTimeMax]. The lower bound is inclusive; callers
// deduplicate by message ID.
func (s *Store) MessagesBySubKeys(ctx context.Context, clusterID int, subKeys []string, lastRun, pubTimeMax int64) ([]*types.Message, error) {
	if len(subKeys) == 0 {
		return nil, nil
	}
	query, args, err := s.inQuery("messages-by-sub-keys", clusterID, subKeys, lastRun, pubTimeMax)
	if err != nil {
		return nil, err
	}
	var out []*types.Message
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("cannot select messages for sub_keys: %w", err)
	}
	return out, nil
}

// InitialMessageIDs returns IDs of all undelivered messages for a sub_key,
// oldest first.
func (s *Store) InitialMessageIDs(ctx context.Context, subKey string) ([]string, error) {
	query, err := s.query("initial-message-ids")
	if err != nil {
		return nil, err
	}
	var out []string
	if err := s.db.SelectContext(ctx, &out, query, subKey); err != nil {
		return nil, fmt.Errorf("cannot select initial message IDs for sub_key %s: %w", subKey, err)
	}
	return out, nil
}

// MessagesByIDList returns full messages for the given IDs.
func (s *Store) MessagesByIDList(ctx context.Context, subKey string, msgIDs []string) ([]*types.Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	query, args, err := s.inQuery("messages-by-id-list", subKey, msgIDs)
	if err != nil {
		return nil, err
	}
	var out []*types.Message
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("cannot select messages by ID for sub_key %s: %w", subKey, err)
	}
	return out, nil
}

// ConfirmDelivered marks messages as delivered.
func (s *Store) ConfirmDelivered(ctx context.Context, subKey string, msgIDs []string) error {
	return s.setStatus(ctx, "confirm-delivered", subKey, msgIDs)
}

// SetToDelete marks messages for deletion.
func (s *Store) SetToDelete(ctx context.Context, subKey string, msgIDs []string) error {
	return s.setStatus(ctx, "set-to-delete", subKey, msgIDs)
}

func (s *Store) setStatus(ctx context.Context, queryName, subKey string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	query, args, err := s.inQuery(queryName, subKey, msgIDs)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cannot update status for sub_key %s: %w", subKey, err)
	}
	return nil
}

// DeleteExpired removes rows that are expired at now or already handled,
// returning how many were deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query, err := s.query("delete-expired")
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, query, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cannot delete expired messages: %w", err)
	}
	return result.RowsAffected()
}

// QueueDepth returns how many undelivered rows a sub_key has.
func (s *Store) QueueDepth(ctx context.Context, subKey string) (int, error) {
	query, err := s.query("queue-depth-by-sub-key")
	if err != nil {
		return 0, err
	}
	var depth int
	if err := s.db.GetContext(ctx, &depth, query, subKey); err != nil {
		return 0, fmt.Errorf("cannot read queue depth for sub_key %s: %w", subKey, err)
	}
	return depth, nil
}

// UpsertSubKeyServer records which server process owns a sub_key. The
// replace is a delete-then-insert in one transaction so it works the same
// on every supported driver.
func (s *Store) UpsertSubKeyServer(ctx context.Context, row SubKeyServerRow) error {
	deleteQuery, err := s.query("delete-sub-key-server")
	if err != nil {
		return err
	}
	insertQuery, err := s.query("insert-sub-key-server")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteQuery, row.SubKey); err != nil {
		return fmt.Errorf("cannot upsert sub_key server for %s: %w", row.SubKey, err)
	}
	_, err = tx.ExecContext(ctx, insertQuery,
		s.clusterID, row.SubKey, row.TopicName, row.ServerName, row.ServerPID)
	if err != nil {
		return fmt.Errorf("cannot upsert sub_key server for %s: %w", row.SubKey, err)
	}
	return tx.Commit()
}

// DeleteSubKeyServer removes a sub_key's ownership record.
func (s *Store) DeleteSubKeyServer(ctx context.Context, subKey string) error {
	query, err := s.query("delete-sub-key-server")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, subKey); err != nil {
		return fmt.Errorf("cannot delete sub_key server for %s: %w", subKey, err)
	}
	return nil
}

// ServerForSubKey returns the ownership record for one sub_key, or nil when
// the sub_key is unknown.
func (s *Store) ServerForSubKey(ctx context.Context, subKey string) (*SubKeyServerRow, error) {
	query, err := s.query("sub-key-server-by-sub-key")
	if err != nil {
		return nil, err
	}
	var rows []SubKeyServerRow
	if err := s.db.SelectContext(ctx, &rows, query, s.clusterID, subKey); err != nil {
		return nil, fmt.Errorf("cannot select server for sub_key %s: %w", subKey, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SubKeyServers returns all ownership records of the cluster, ordered by
// server, PID and sub_key.
func (s *Store) SubKeyServers(ctx context.Context) ([]SubKeyServerRow, error) {
	query, err := s.query("list-sub-key-servers")
	if err != nil {
		return nil, err
	}
	var rows []SubKeyServerRow
	if err := s.db.SelectContext(ctx, &rows, query, s.clusterID); err != nil {
		return nil, fmt.Errorf("cannot select sub_key servers: %w", err)
	}
	return rows, nil
}

// StartJanitor schedules periodic removal of expired and handled rows,
// e.g. with spec "@every 60s".
func (s *Store) StartJanitor(spec string) error {
	janitor := cron.New()
	_, err := janitor.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		deleted, err := s.DeleteExpired(ctx, time.Now())
		if err != nil {
			s.logger.Printf("janitor: %v", err)
			return
		}
		if deleted > 0 {
			s.logger.Printf("janitor: removed %d rows", deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("cannot schedule janitor: %w", err)
	}
	janitor.Start()
	s.janitor = janitor
	return nil
}

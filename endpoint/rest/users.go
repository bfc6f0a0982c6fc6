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
	"crypto/subtle"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/zatosource/zato/utils/json"
)

// UserStore authenticates HTTP Basic credentials against a flat JSON file:
// a list of one-pair objects, [{"user1": "secret"}, {"user2": "..."}].
// Values starting with a bcrypt prefix are treated as hashes, anything else
// as a plain-text password.
type UserStore struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// NewUserStore loads the user file. A missing file yields an empty store,
// so a server can come up before any user is created.
func NewUserStore(path string) (*UserStore, error) {
	store := &UserStore{
		path:  path,
		users: map[string]string{},
	}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// Reload re-reads the user file.
func (s *UserStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read users file %s: %w", s.path, err)
	}

	var entries []map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("invalid users file %s: %w", s.path, err)
	}

	users := map[string]string{}
	for _, entry := range entries {
		for username, password := range entry {
			users[username] = password
		}
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Authenticate checks a username/password pair.
func (s *UserStore) Authenticate(username, password string) bool {
	s.mu.RLock()
	stored, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// SetUser adds or replaces a user with a bcrypt-hashed password and writes
// the file back.
func (s *UserStore) SetUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("cannot hash password for %s: %w", username, err)
	}

	s.mu.Lock()
	s.users[username] = string(hash)
	s.mu.Unlock()
	return s.save()
}

// Usernames returns all known users, sorted.
func (s *UserStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for username := range s.users {
		out = append(out, username)
	}
	sort.Strings(out)
	return out
}

func (s *UserStore) save() error {
	s.mu.RLock()
	entries := make([]map[string]string, 0, len(s.users))
	usernames := make([]string, 0, len(s.users))
	for username := range s.users {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	for _, username := range usernames {
		entries = append(entries, map[string]string{username: s.users[username]})
	}
	s.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write users file %s: %w", s.path, err)
	}
	return nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") ||
		strings.HasPrefix(value, "$2b$") ||
		strings.HasPrefix(value, "$2y$")
}

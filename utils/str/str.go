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

package str

import (
	"math/rand"
	"strings"

	"github.com/gofrs/uuid/v5"
)

const randomStrOptions = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const randomStrOptionsLen = len(randomStrOptions)

// RandomStr returns a random alphanumeric string of the given length.
func RandomStr(num int) string {
	var sb strings.Builder
	sb.Grow(num)
	for i := 0; i < num; i++ {
		sb.WriteByte(randomStrOptions[rand.Intn(randomStrOptionsLen)])
	}
	return sb.String()
}

// NewCID returns a new correlation id, prefixed so it is easy to grep for.
func NewCID() string {
	id := uuid.Must(uuid.NewV4()).String()
	return "zcid." + strings.ReplaceAll(id, "-", "")[:24]
}

// NewMsgID returns a new message id.
func NewMsgID() string {
	id := uuid.Must(uuid.NewV4()).String()
	return "zpsm." + strings.ReplaceAll(id, "-", "")[:24]
}

// NewSubKey returns a new subscription key.
func NewSubKey() string {
	id := uuid.Must(uuid.NewV4()).String()
	return "zpsk." + strings.ReplaceAll(id, "-", "")[:24]
}

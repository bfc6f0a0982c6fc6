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

package json

import (
	"bytes"
	"encoding/json"
)

// Marshal marshals v to JSON without escaping &, <, and >.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	err := encoder.Encode(v)
	if err == nil && buf.Len() > 0 {
		// Encode appends a trailing newline; trim it.
		return buf.Bytes()[:buf.Len()-1], nil
	}
	return buf.Bytes(), err
}

// Unmarshal parses JSON data into v.
func Unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}

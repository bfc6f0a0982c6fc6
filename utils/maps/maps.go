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

package maps

import "github.com/mitchellh/mapstructure"

// Map2Struct translates an input map into the output structure using
// reflection. output must be a pointer to a map or struct.
func Map2Struct(input interface{}, output interface{}) error {
	return mapstructure.Decode(input, output)
}

// Struct2Map translates a struct into a map keyed by mapstructure tags.
func Struct2Map(input interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := mapstructure.Decode(input, &out); err != nil {
		return nil, err
	}
	return out, nil
}

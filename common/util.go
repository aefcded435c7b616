// Copyright 2022 The beacon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function for extending a component's log tags without
// modifying the component's copy
func (c Component) CopyLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// GetUnitTestNatsURI returns the NATS server URI to use during unit tests
//
// The second return value is false when no test NATS server was made available.
func GetUnitTestNatsURI() (string, bool) {
	uri, ok := os.LookupEnv("UNITTEST_NATS_URI")
	if !ok || uri == "" {
		return "", false
	}
	return uri, true
}

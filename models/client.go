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

package models

import (
	"fmt"
	"time"
)

// ClientStatus liveness status of a client
type ClientStatus string

const (
	// ClientStatusOnline client sent a heartbeat within the timeout window
	ClientStatusOnline ClientStatus = "online"
	// ClientStatusOffline client has not been heard from within the timeout window
	ClientStatusOffline ClientStatus = "offline"
	// ClientStatusError client reported it is in an error state
	ClientStatusError ClientStatus = "error"
)

// ParseClientStatus convert a string into a ClientStatus
func ParseClientStatus(status string) (ClientStatus, error) {
	switch ClientStatus(status) {
	case ClientStatusOnline, ClientStatusOffline, ClientStatusError:
		return ClientStatus(status), nil
	}
	return "", fmt.Errorf("unknown client status '%s'", status)
}

// ClientRecord is the persisted record of one remote client
type ClientRecord struct {
	// ID is the client ID, assigned at registration
	ID int64 `json:"id" validate:"gte=0"`
	// Name is the client display name
	Name string `json:"name" validate:"required"`
	// Address is the client network address
	Address string `json:"ip_address"`
	// Version is the client software version
	Version string `json:"version"`
	// Status is the client's liveness status
	Status ClientStatus `json:"status" validate:"required,oneof=online offline error"`
	// LastHeartbeat is when the last heartbeat was observed. Nil if never seen.
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	// CreatedAt is when the record was registered
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the record was last changed
	UpdatedAt time.Time `json:"updated_at"`
}

// String toString for ClientRecord
func (r ClientRecord) String() string {
	return fmt.Sprintf("client[%d](%s)@%s", r.ID, r.Name, r.Status)
}

// HeartbeatAge how long ago the last heartbeat was observed, relative to now
//
// Returns false if no heartbeat was ever recorded.
func (r ClientRecord) HeartbeatAge(now time.Time) (time.Duration, bool) {
	if r.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*r.LastHeartbeat), true
}

// Copy return a copy of the record which does not share the heartbeat timestamp
func (r ClientRecord) Copy() ClientRecord {
	result := r
	if r.LastHeartbeat != nil {
		ts := *r.LastHeartbeat
		result.LastHeartbeat = &ts
	}
	return result
}

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

package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/beacon/models"
)

// EventType tag identifying the kind of event
type EventType string

const (
	// EventTypeClientStatusUpdate a client's liveness status changed
	EventTypeClientStatusUpdate EventType = "client_status_update"
	// EventTypeHeartbeatReceived a client heartbeat was recorded
	EventTypeHeartbeatReceived EventType = "heartbeat_received"
	// EventTypeSystemMessage a message from the service to one subscriber
	EventTypeSystemMessage EventType = "system_message"
	// EventTypeClientConnected a subscriber connected
	EventTypeClientConnected EventType = "client_connected"
	// EventTypeClientDisconnected a subscriber disconnected
	EventTypeClientDisconnected EventType = "client_disconnected"
)

const (
	// TopicClientStatus topic carrying client status changes
	TopicClientStatus = "client_status"
	// TopicHeartbeat topic carrying received heartbeats
	TopicHeartbeat = "heartbeat"
	// TopicConnections topic carrying subscriber connect / disconnect
	TopicConnections = "connections"
)

const (
	// ReasonHeartbeat status changed by a received heartbeat
	ReasonHeartbeat = "heartbeat"
	// ReasonHeartbeatTimeout status changed because no heartbeat arrived in time
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

// Event is one notification routed to subscribers
//
// An Event should be treated as immutable once created.
type Event struct {
	// Type is the event type tag
	Type EventType
	// Topic is the routing topic. Empty means every subscriber.
	Topic string
	// Data is the event payload
	Data map[string]interface{}
	// GeneratedAt is when the event was created
	GeneratedAt time.Time
}

// String toString for Event
func (e Event) String() string {
	if e.Topic == "" {
		return fmt.Sprintf("event[%s]", e.Type)
	}
	return fmt.Sprintf("event[%s]@%s", e.Type, e.Topic)
}

// NewEvent define a new event. The payload map is copied.
func NewEvent(
	eventType EventType, topic string, data map[string]interface{}, generatedAt time.Time,
) Event {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	return Event{Type: eventType, Topic: topic, Data: payload, GeneratedAt: generatedAt.UTC()}
}

// wireEvent the JSON form of an event
type wireEvent struct {
	Type        EventType              `json:"type"`
	Topic       string                 `json:"topic,omitempty"`
	Data        map[string]interface{} `json:"data"`
	GeneratedAt time.Time              `json:"generated_at"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Encode serialize the event for sending, stamped with the send time
func (e Event) Encode(sentAt time.Time) ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(&wireEvent{
		Type:        e.Type,
		Topic:       e.Topic,
		Data:        data,
		GeneratedAt: e.GeneratedAt,
		Timestamp:   sentAt.UTC(),
	})
}

// Decode parse an encoded event. The send timestamp is dropped.
//
// Integral numbers in the data decode as int64, other numbers as float64.
func Decode(raw []byte) (Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var parsed wireEvent
	if err := decoder.Decode(&parsed); err != nil {
		return Event{}, err
	}
	if parsed.Type == "" {
		return Event{}, fmt.Errorf("event is missing type")
	}
	for key, value := range parsed.Data {
		parsed.Data[key] = convertNumbers(value)
	}
	return NewEvent(parsed.Type, parsed.Topic, parsed.Data, parsed.GeneratedAt), nil
}

// convertNumbers replace json.Number values, including nested ones
func convertNumbers(value interface{}) interface{} {
	switch typed := value.(type) {
	case json.Number:
		if asInt, err := typed.Int64(); err == nil {
			return asInt
		}
		if asFloat, err := typed.Float64(); err == nil {
			return asFloat
		}
		return typed.String()
	case map[string]interface{}:
		for key, item := range typed {
			typed[key] = convertNumbers(item)
		}
		return typed
	case []interface{}:
		for idx, item := range typed {
			typed[idx] = convertNumbers(item)
		}
		return typed
	}
	return value
}

func heartbeatValue(record models.ClientRecord) interface{} {
	if record.LastHeartbeat == nil {
		return nil
	}
	return record.LastHeartbeat.UTC().Format(time.RFC3339Nano)
}

// ClientStatusUpdate define a client_status_update event
func ClientStatusUpdate(
	record models.ClientRecord, previous models.ClientStatus, reason string, at time.Time,
) Event {
	return NewEvent(EventTypeClientStatusUpdate, TopicClientStatus, map[string]interface{}{
		"client_id":       record.ID,
		"name":            record.Name,
		"status":          string(record.Status),
		"previous_status": string(previous),
		"last_heartbeat":  heartbeatValue(record),
		"reason":          reason,
	}, at)
}

// HeartbeatReceived define a heartbeat_received event
func HeartbeatReceived(record models.ClientRecord, at time.Time) Event {
	return NewEvent(EventTypeHeartbeatReceived, TopicHeartbeat, map[string]interface{}{
		"client_id":      record.ID,
		"name":           record.Name,
		"ip_address":     record.Address,
		"version":        record.Version,
		"status":         string(record.Status),
		"last_heartbeat": heartbeatValue(record),
	}, at)
}

// SystemMessage define a system_message event
func SystemMessage(message string, extra map[string]interface{}, at time.Time) Event {
	data := map[string]interface{}{"message": message}
	for k, v := range extra {
		data[k] = v
	}
	return NewEvent(EventTypeSystemMessage, "", data, at)
}

// ConnectionChange define a client_connected / client_disconnected event
func ConnectionChange(connected bool, connectionID string, at time.Time) Event {
	eventType := EventTypeClientDisconnected
	if connected {
		eventType = EventTypeClientConnected
	}
	return NewEvent(eventType, TopicConnections, map[string]interface{}{
		"connection_id": connectionID,
	}, at)
}

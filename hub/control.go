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

package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/apex/log"
)

// ControlAction the kinds of control messages a subscriber can send
type ControlAction int

const (
	// ControlActionSubscribe add topics to the subscription
	ControlActionSubscribe ControlAction = iota
	// ControlActionUnsubscribe remove topics from the subscription
	ControlActionUnsubscribe
	// ControlActionGetInfo request the hub info
	ControlActionGetInfo
)

// String toString for ControlAction
func (a ControlAction) String() string {
	switch a {
	case ControlActionSubscribe:
		return "subscribe"
	case ControlActionUnsubscribe:
		return "unsubscribe"
	case ControlActionGetInfo:
		return "get_info"
	}
	return fmt.Sprintf("ControlAction(%d)", int(a))
}

// parseControlAction convert the wire action name into a ControlAction
func parseControlAction(action string) (ControlAction, error) {
	switch action {
	case "subscribe":
		return ControlActionSubscribe, nil
	case "unsubscribe":
		return ControlActionUnsubscribe, nil
	case "get_info":
		return ControlActionGetInfo, nil
	}
	return 0, common.ValidationError("unknown action: %s", action)
}

// ControlMessage a parsed control message
type ControlMessage struct {
	// Action the requested action
	Action ControlAction
	// Topics the topics for subscribe / unsubscribe
	Topics []string
}

// ParseControlMessage parse a raw control message
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var parsed struct {
		Action string   `json:"action"`
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ControlMessage{}, common.ValidationError("invalid JSON message: %s", err.Error())
	}
	action, err := parseControlAction(parsed.Action)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Action: action, Topics: parsed.Topics}, nil
}

// HandleControlMessage process one control message from a connection
//
// A malformed message is answered with a system_message describing the problem.
func (h *hubImpl) HandleControlMessage(
	ctxt context.Context, connectionID string, raw []byte,
) error {
	logTags := h.CopyLogTags(log.Fields{"connection": connectionID})
	msg, err := ParseControlMessage(raw)
	if err != nil {
		log.WithError(err).WithFields(logTags).Debugf("Rejected control message: %s", raw)
		reply := events.SystemMessage(
			err.Error(), map[string]interface{}{"error": true}, h.clock.Now(),
		)
		return h.SendTo(ctxt, connectionID, reply)
	}
	log.WithFields(logTags).Debugf("Control message %s %v", msg.Action, msg.Topics)
	switch msg.Action {
	case ControlActionSubscribe:
		return h.Subscribe(ctxt, connectionID, msg.Topics)
	case ControlActionUnsubscribe:
		return h.Unsubscribe(ctxt, connectionID, msg.Topics)
	case ControlActionGetInfo:
		reply := events.SystemMessage(
			"connection info", map[string]interface{}{"info": h.Info()}, h.clock.Now(),
		)
		return h.SendTo(ctxt, connectionID, reply)
	}
	return fmt.Errorf("unhandled control action %s", msg.Action)
}

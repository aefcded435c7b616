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
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Transport is the channel to one subscriber
type Transport interface {
	// Send deliver one message, bounded by the context
	Send(ctxt context.Context, msg []byte) error
	// Close release the channel
	Close() error
}

// Info point in time view of the hub
type Info struct {
	// TotalConnections number of connections accepted since start
	TotalConnections int64 `json:"total_connections"`
	// ActiveConnections number of connections currently registered
	ActiveConnections int `json:"active_connections"`
	// ConnectionIDs the currently registered connection IDs
	ConnectionIDs []string `json:"connection_ids"`
	// Subscriptions the topics of each registered connection
	Subscriptions map[string][]string `json:"subscriptions"`
}

// Hub manages the subscriber connections and their topic subscriptions
type Hub interface {
	events.Sink
	// Accept register a new connection. Returns the assigned connection ID.
	Accept(ctxt context.Context, transport Transport) (string, error)
	// Disconnect remove a connection. Unknown IDs are ignored.
	Disconnect(connectionID string)
	// Subscribe add topics to a connection's subscription
	Subscribe(ctxt context.Context, connectionID string, topics []string) error
	// Unsubscribe remove topics from a connection's subscription
	Unsubscribe(ctxt context.Context, connectionID string, topics []string) error
	// SendTo deliver an event to one connection
	SendTo(ctxt context.Context, connectionID string, event events.Event) error
	// HandleControlMessage process one control message from a connection
	HandleControlMessage(ctxt context.Context, connectionID string, raw []byte) error
	// Info snapshot of the hub state
	Info() Info
	// SetNotifier set the Broadcaster hub connect / disconnect events are published to
	SetNotifier(notifier events.Broadcaster)
}

// connection one registered subscriber. Its topics are only touched under the hub lock.
type connection struct {
	id        string
	transport Transport
	topics    map[string]bool
}

func (c *connection) sortedTopics() []string {
	result := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// target a connection selected for delivery
type target struct {
	id        string
	transport Transport
}

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	opCtxt      context.Context
	clock       clock.Clock
	sendTimeout time.Duration
	lock        sync.RWMutex
	connections map[string]*connection
	accepted    int64
	notifier    atomic.Value
}

// DefineHub define a new connection hub
func DefineHub(
	ctxt context.Context, instance string, sendTimeout time.Duration, clk clock.Clock,
) (Hub, error) {
	logTags := log.Fields{
		"module": "hub", "component": "connection-hub", "instance": instance,
	}
	if sendTimeout <= 0 {
		err := fmt.Errorf("send timeout must be positive, got %s", sendTimeout)
		log.WithError(err).WithFields(logTags).Error("Unable to define hub")
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &hubImpl{
		Component:   common.Component{LogTags: logTags},
		opCtxt:      ctxt,
		clock:       clk,
		sendTimeout: sendTimeout,
		connections: make(map[string]*connection),
	}, nil
}

// SetNotifier set the Broadcaster hub connect / disconnect events are published to
func (h *hubImpl) SetNotifier(notifier events.Broadcaster) {
	h.notifier.Store(&notifier)
}

// notify publish a connection event off the calling goroutine
//
// Disconnects can be triggered from inside a broadcast, so this must never wait on
// the broadcaster.
func (h *hubImpl) notify(event events.Event) {
	stored, ok := h.notifier.Load().(*events.Broadcaster)
	if !ok || stored == nil || *stored == nil {
		return
	}
	notifier := *stored
	go func() {
		ctxt, cancel := context.WithTimeout(h.opCtxt, h.sendTimeout)
		defer cancel()
		if err := notifier.Publish(ctxt, event); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Unable to publish %s", event)
		}
	}()
}

// Accept register a new connection. Returns the assigned connection ID.
//
// The welcome is sent before the connection is visible to broadcasts, so it is always
// the first message the peer sees.
func (h *hubImpl) Accept(ctxt context.Context, transport Transport) (string, error) {
	connectionID := fmt.Sprintf("conn_%s", uuid.New().String())
	logTags := h.CopyLogTags(log.Fields{"connection": connectionID})

	welcome := events.SystemMessage(
		"connection established",
		map[string]interface{}{"connection_id": connectionID},
		h.clock.Now(),
	)
	if err := h.send(ctxt, target{id: connectionID, transport: transport}, welcome); err != nil {
		if closeErr := transport.Close(); closeErr != nil {
			log.WithError(closeErr).WithFields(logTags).Debug("Transport close reported error")
		}
		return "", err
	}

	h.lock.Lock()
	h.connections[connectionID] = &connection{
		id: connectionID, transport: transport, topics: make(map[string]bool),
	}
	h.accepted++
	h.lock.Unlock()

	log.WithFields(logTags).Info("Accepted connection")
	h.notify(events.ConnectionChange(true, connectionID, h.clock.Now()))
	return connectionID, nil
}

// Disconnect remove a connection. Unknown IDs are ignored.
func (h *hubImpl) Disconnect(connectionID string) {
	h.lock.Lock()
	entry, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
	}
	h.lock.Unlock()
	if !ok {
		return
	}

	logTags := h.CopyLogTags(log.Fields{"connection": connectionID})
	if err := entry.transport.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Transport close reported error")
	}
	log.WithFields(logTags).Info("Removed connection")
	h.notify(events.ConnectionChange(false, connectionID, h.clock.Now()))
}

// normalizeTopics drop blank entries
func normalizeTopics(topics []string) []string {
	result := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			result = append(result, topic)
		}
	}
	return result
}

// changeSubscription apply a change to a connection's topics and confirm the result
func (h *hubImpl) changeSubscription(
	ctxt context.Context, connectionID string, topics []string, add bool,
) error {
	topics = normalizeTopics(topics)

	h.lock.Lock()
	entry, ok := h.connections[connectionID]
	if !ok {
		h.lock.Unlock()
		log.WithFields(h.LogTags).Debugf("Subscription change for unknown connection %s", connectionID)
		return nil
	}
	for _, topic := range topics {
		if add {
			entry.topics[topic] = true
		} else {
			delete(entry.topics, topic)
		}
	}
	current := entry.sortedTopics()
	dest := target{id: entry.id, transport: entry.transport}
	h.lock.Unlock()

	verb := "subscribed to"
	if !add {
		verb = "unsubscribed from"
	}
	confirm := events.SystemMessage(
		fmt.Sprintf("%s topics: %s", verb, strings.Join(topics, ", ")),
		map[string]interface{}{"subscribed_topics": current},
		h.clock.Now(),
	)
	return h.send(ctxt, dest, confirm)
}

// Subscribe add topics to a connection's subscription
func (h *hubImpl) Subscribe(ctxt context.Context, connectionID string, topics []string) error {
	return h.changeSubscription(ctxt, connectionID, topics, true)
}

// Unsubscribe remove topics from a connection's subscription
func (h *hubImpl) Unsubscribe(ctxt context.Context, connectionID string, topics []string) error {
	return h.changeSubscription(ctxt, connectionID, topics, false)
}

// SendTo deliver an event to one connection
func (h *hubImpl) SendTo(ctxt context.Context, connectionID string, event events.Event) error {
	h.lock.RLock()
	entry, ok := h.connections[connectionID]
	var dest target
	if ok {
		dest = target{id: entry.id, transport: entry.transport}
	}
	h.lock.RUnlock()
	if !ok {
		return common.NotFoundError("connection %s", connectionID)
	}
	return h.send(ctxt, dest, event)
}

// send deliver the event to one target. A failed send removes the connection.
func (h *hubImpl) send(ctxt context.Context, dest target, event events.Event) error {
	payload, err := event.Encode(h.clock.Now())
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	return h.deliver(ctxt, dest, payload)
}

func (h *hubImpl) deliver(ctxt context.Context, dest target, payload []byte) error {
	sendCtxt, cancel := context.WithTimeout(ctxt, h.sendTimeout)
	defer cancel()
	if err := dest.transport.Send(sendCtxt, payload); err != nil {
		log.WithError(err).WithFields(h.LogTags).WithField("connection", dest.id).Error(
			"Send failed, dropping connection",
		)
		h.Disconnect(dest.id)
		return common.DeliveryError(dest.id, err)
	}
	return nil
}

// snapshot collect the connections matching the filter
func (h *hubImpl) snapshot(match func(*connection) bool) []target {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := make([]target, 0, len(h.connections))
	for _, entry := range h.connections {
		if match(entry) {
			result = append(result, target{id: entry.id, transport: entry.transport})
		}
	}
	return result
}

// fanOut deliver the event to every target concurrently. Returns the delivered count.
func (h *hubImpl) fanOut(ctxt context.Context, targets []target, event events.Event) int {
	if len(targets) == 0 {
		log.WithFields(h.LogTags).Debugf("No subscriber for %s", event)
		return 0
	}
	payload, err := event.Encode(h.clock.Now())
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to serialize %s", event)
		return 0
	}
	var delivered int64
	wg := sync.WaitGroup{}
	for _, dest := range targets {
		wg.Add(1)
		go func(dest target) {
			defer wg.Done()
			if err := h.deliver(ctxt, dest, payload); err == nil {
				atomic.AddInt64(&delivered, 1)
			}
		}(dest)
	}
	wg.Wait()
	return int(delivered)
}

// BroadcastToTopic deliver an event to every subscriber of the topic
func (h *hubImpl) BroadcastToTopic(ctxt context.Context, topic string, event events.Event) int {
	return h.fanOut(ctxt, h.snapshot(func(entry *connection) bool {
		return entry.topics[topic]
	}), event)
}

// BroadcastToAll deliver an event to every subscriber
func (h *hubImpl) BroadcastToAll(ctxt context.Context, event events.Event) int {
	return h.fanOut(ctxt, h.snapshot(func(*connection) bool { return true }), event)
}

// Info snapshot of the hub state
func (h *hubImpl) Info() Info {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := Info{
		TotalConnections:  h.accepted,
		ActiveConnections: len(h.connections),
		ConnectionIDs:     make([]string, 0, len(h.connections)),
		Subscriptions:     make(map[string][]string, len(h.connections)),
	}
	for id, entry := range h.connections {
		result.ConnectionIDs = append(result.ConnectionIDs, id)
		result.Subscriptions[id] = entry.sortedTopics()
	}
	sort.Strings(result.ConnectionIDs)
	return result
}

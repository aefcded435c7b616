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
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/beacon/common"
	"github.com/apex/log"
)

// Sink delivers events to subscribers
type Sink interface {
	// BroadcastToTopic deliver an event to every subscriber of the topic
	BroadcastToTopic(ctxt context.Context, topic string, event Event) int
	// BroadcastToAll deliver an event to every subscriber
	BroadcastToAll(ctxt context.Context, event Event) int
}

// Route deliver an event to the sink based on its topic
func Route(ctxt context.Context, sink Sink, event Event) int {
	if event.Topic == "" {
		return sink.BroadcastToAll(ctxt, event)
	}
	return sink.BroadcastToTopic(ctxt, event.Topic, event)
}

// Broadcaster accepts events for delivery to subscribers
type Broadcaster interface {
	// Publish hand an event over for delivery
	//
	// Returns once the event is queued. Delivery itself is best effort.
	Publish(ctxt context.Context, event Event) error
	// Stop stop accepting events
	Stop() error
}

// localBroadcasterImpl implements Broadcaster by routing into a local Sink
type localBroadcasterImpl struct {
	common.Component
	sink      Sink
	processor common.TaskProcessor
	opCtxt    context.Context
}

// GetLocalBroadcaster define a Broadcaster delivering into a local Sink
//
// Events are delivered by one event loop in the order they were published.
func GetLocalBroadcaster(
	ctxt context.Context, sink Sink, queueSize int, wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "events", "component": "broadcaster", "instance": "local",
	}
	processor, err := common.GetNewTaskProcessorInstance(ctxt, "event-broadcaster", queueSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &localBroadcasterImpl{
		Component: common.Component{LogTags: logTags},
		sink:      sink,
		processor: processor,
		opCtxt:    ctxt,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(Event{}), instance.processEvent,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install event handler")
		return nil, err
	}
	if err := processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

// Publish hand an event over for delivery
func (b *localBroadcasterImpl) Publish(ctxt context.Context, event Event) error {
	if err := b.processor.Submit(ctxt, event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to queue %s", event)
		return err
	}
	return nil
}

// processEvent deliver one queued event
func (b *localBroadcasterImpl) processEvent(param interface{}) error {
	event, ok := param.(Event)
	if !ok {
		return fmt.Errorf("unexpected task parameter %s", reflect.TypeOf(param))
	}
	delivered := Route(b.opCtxt, b.sink, event)
	log.WithFields(b.LogTags).Debugf("Delivered %s to %d subscribers", event, delivered)
	return nil
}

// Stop stop accepting events
func (b *localBroadcasterImpl) Stop() error {
	return b.processor.StopEventLoop()
}

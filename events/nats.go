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
	"strings"
	"sync"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// broadcastAllToken subject token used for events without a topic
const broadcastAllToken = "_all"

// defineRelaySubject helper function to define the NATS subject for an event topic
func defineRelaySubject(prefix, topic string) (string, error) {
	if topic == "" {
		return fmt.Sprintf("%s.%s", prefix, broadcastAllToken), nil
	}
	if strings.ContainsAny(topic, ".*> \t\r\n") {
		return "", common.ValidationError("topic '%s' can not be used as a NATS subject token", topic)
	}
	return fmt.Sprintf("%s.%s", prefix, topic), nil
}

// natsRelayImpl implements Broadcaster by sharing events between instances over NATS
type natsRelayImpl struct {
	common.Component
	prefix       string
	nats         *core.NatsClient
	local        Broadcaster
	subscription *nats.Subscription
	lock         sync.Mutex
	stopped      bool
}

// GetNATSRelay define a Broadcaster which publishes events onto NATS
//
// Events received from NATS, including ones this instance published, are handed to
// the local Broadcaster for delivery. The subscription ends when the context ends.
func GetNATSRelay(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	local Broadcaster,
	wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "events", "component": "nats-relay", "instance": subjectPrefix,
	}
	instance := &natsRelayImpl{
		Component: common.Component{LogTags: logTags},
		prefix:    subjectPrefix,
		nats:      natsClient,
		local:     local,
	}

	subject := fmt.Sprintf("%s.>", subjectPrefix)
	sub, err := natsClient.NATs().Subscribe(subject, func(msg *nats.Msg) {
		event, err := Decode(msg.Data)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read event on %s: %s", msg.Subject, msg.Data,
			)
			return
		}
		log.WithFields(logTags).Debugf("Received %s on %s", event, msg.Subject)
		if err := local.Publish(ctxt, event); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to forward %s", event)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to subscribe to %s", subject)
		return nil, err
	}
	instance.subscription = sub

	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := instance.unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to unsubscribe from %s", subject)
		}
	}()
	log.WithFields(logTags).Infof("Relaying events through %s", subject)
	return instance, nil
}

// Publish send the event onto NATS
//
// If NATS can not take the event, it is delivered locally instead.
func (r *natsRelayImpl) Publish(ctxt context.Context, event Event) error {
	subject, err := defineRelaySubject(r.prefix, event.Topic)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to relay %s", event)
		return err
	}
	msg, err := event.Encode(time.Now())
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := r.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to send %s on %s, delivering locally", event, subject,
		)
		return r.local.Publish(ctxt, event)
	}
	log.WithFields(r.LogTags).Debugf("Sent %s on %s", event, subject)
	return nil
}

func (r *natsRelayImpl) unsubscribe() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	return r.subscription.Unsubscribe()
}

// Stop stop relaying events
func (r *natsRelayImpl) Stop() error {
	if err := r.unsubscribe(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to unsubscribe")
		return err
	}
	return r.local.Stop()
}

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

package liveness

import (
	"context"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/beacon/registry"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
)

// HeartbeatReport one heartbeat as received from a client
type HeartbeatReport struct {
	// ClientID the reporting client
	ClientID int64
	// Status the reported status. Empty means online.
	Status string
	// Version the reported software version. Empty leaves the stored value.
	Version string
	// Address the reported network address. Empty leaves the stored value.
	Address string
	// ObservedAt when the server received the heartbeat. Zero means now.
	ObservedAt time.Time
}

// Tracker records client heartbeats
type Tracker interface {
	// RecordHeartbeat apply a heartbeat to the client's record
	//
	// Returns the updated record, and whether the client's status changed.
	RecordHeartbeat(ctxt context.Context, report HeartbeatReport) (models.ClientRecord, bool, error)
	// GetClient fetch a client's current record
	GetClient(ctxt context.Context, clientID int64) (models.ClientRecord, error)
}

// trackerImpl implements Tracker
type trackerImpl struct {
	common.Component
	registry    registry.Registry
	broadcaster events.Broadcaster
	clock       clock.Clock
}

// DefineTracker define a new liveness tracker
func DefineTracker(
	reg registry.Registry, broadcaster events.Broadcaster, clk clock.Clock,
) Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &trackerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "liveness", "component": "tracker", "instance": "default"},
		},
		registry:    reg,
		broadcaster: broadcaster,
		clock:       clk,
	}
}

// RecordHeartbeat apply a heartbeat to the client's record
func (t *trackerImpl) RecordHeartbeat(
	ctxt context.Context, report HeartbeatReport,
) (models.ClientRecord, bool, error) {
	logTags := t.CopyLogTags(log.Fields{"client": report.ClientID})

	status := models.ClientStatusOnline
	if report.Status != "" {
		parsed, err := models.ParseClientStatus(report.Status)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Heartbeat rejected")
			return models.ClientRecord{}, false, common.ValidationError("heartbeat: %s", err.Error())
		}
		status = parsed
	}
	observedAt := report.ObservedAt
	if observedAt.IsZero() {
		observedAt = t.clock.Now()
	}
	observedAt = observedAt.UTC()

	result, err := t.registry.Update(ctxt, report.ClientID, func(record *models.ClientRecord) (bool, error) {
		record.LastHeartbeat = &observedAt
		record.Status = status
		if report.Version != "" {
			record.Version = report.Version
		}
		if report.Address != "" {
			record.Address = report.Address
		}
		return true, nil
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to record heartbeat")
		return models.ClientRecord{}, false, err
	}

	transitioned := result.Previous.Status != result.Current.Status
	log.WithFields(logTags).Debugf("Recorded heartbeat for %s", result.Current)

	// The write committed, so failing to notify does not fail the heartbeat
	if err := t.broadcaster.Publish(ctxt, events.HeartbeatReceived(result.Current, observedAt)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to publish heartbeat event")
	}
	if transitioned {
		log.WithFields(logTags).Infof(
			"Client status %s -> %s", result.Previous.Status, result.Current.Status,
		)
		event := events.ClientStatusUpdate(
			result.Current, result.Previous.Status, events.ReasonHeartbeat, observedAt,
		)
		if err := t.broadcaster.Publish(ctxt, event); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to publish status event")
		}
	}
	return result.Current, transitioned, nil
}

// GetClient fetch a client's current record
func (t *trackerImpl) GetClient(ctxt context.Context, clientID int64) (models.ClientRecord, error) {
	return t.registry.Get(ctxt, clientID)
}

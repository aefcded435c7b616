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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/beacon/registry"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
)

// ErrSweepInProgress a sweep was requested while another was still running
var ErrSweepInProgress = errors.New("sweep already in progress")

// SweepResult outcome of one sweep
type SweepResult struct {
	// Scanned number of online clients examined
	Scanned int
	// Expired number of clients moved to offline
	Expired int
	// Failed number of clients which could not be processed
	Failed int
}

// String toString for SweepResult
func (r SweepResult) String() string {
	return fmt.Sprintf("scanned=%d expired=%d failed=%d", r.Scanned, r.Expired, r.Failed)
}

// Sweeper periodically demotes clients whose heartbeat expired
type Sweeper interface {
	// Sweep run one scan over the online clients
	Sweep(ctxt context.Context) (SweepResult, error)
	// Start begin periodic sweeps
	Start() error
	// Stop end periodic sweeps
	Stop() error
}

// sweeperImpl implements Sweeper
type sweeperImpl struct {
	common.Component
	opCtxt        context.Context
	registry      registry.Registry
	broadcaster   events.Broadcaster
	clock         clock.Clock
	timeout       time.Duration
	checkInterval time.Duration
	timer         common.IntervalTimer
	scanLock      sync.Mutex
}

// DefineSweeper define a new timeout sweeper
func DefineSweeper(
	ctxt context.Context,
	reg registry.Registry,
	broadcaster events.Broadcaster,
	clk clock.Clock,
	cfg common.HeartbeatConfig,
	wg *sync.WaitGroup,
) (Sweeper, error) {
	logTags := log.Fields{"module": "liveness", "component": "sweeper", "instance": "default"}
	if cfg.Timeout < 1 || cfg.CheckInterval < 1 {
		err := fmt.Errorf(
			"invalid heartbeat config: timeout %ds, check interval %ds", cfg.Timeout, cfg.CheckInterval,
		)
		log.WithError(err).WithFields(logTags).Error("Unable to define sweeper")
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	timer, err := common.GetIntervalTimerInstance(ctxt, "heartbeat-sweeper", clk, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &sweeperImpl{
		Component:     common.Component{LogTags: logTags},
		opCtxt:        ctxt,
		registry:      reg,
		broadcaster:   broadcaster,
		clock:         clk,
		timeout:       cfg.TimeoutDuration(),
		checkInterval: cfg.CheckIntervalDuration(),
		timer:         timer,
	}, nil
}

// expired whether the client's last heartbeat is older than the timeout.
// A client never heard from is not expired.
func (s *sweeperImpl) expired(record models.ClientRecord, now time.Time) bool {
	age, seen := record.HeartbeatAge(now)
	return seen && age > s.timeout
}

// Sweep run one scan over the online clients
func (s *sweeperImpl) Sweep(ctxt context.Context) (SweepResult, error) {
	if !s.scanLock.TryLock() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.scanLock.Unlock()

	now := s.clock.Now().UTC()
	online, err := s.registry.ListByStatus(ctxt, models.ClientStatusOnline)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list online clients")
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(online)}
	for _, client := range online {
		if err := ctxt.Err(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Sweep aborted, %s", result)
			return result, err
		}
		if !s.expired(client, now) {
			continue
		}
		logTags := s.CopyLogTags(log.Fields{"client": client.ID})
		// Check again under the client lock. A heartbeat may have arrived since the listing.
		update, err := s.registry.Update(ctxt, client.ID, func(record *models.ClientRecord) (bool, error) {
			if record.Status != models.ClientStatusOnline || !s.expired(*record, now) {
				return false, nil
			}
			record.Status = models.ClientStatusOffline
			return true, nil
		})
		if err != nil {
			result.Failed++
			log.WithError(err).WithFields(logTags).Error("Unable to expire client")
			continue
		}
		if !update.Written {
			continue
		}
		result.Expired++
		log.WithFields(logTags).Infof("Client heartbeat expired, now %s", update.Current.Status)
		event := events.ClientStatusUpdate(
			update.Current, update.Previous.Status, events.ReasonHeartbeatTimeout, now,
		)
		if err := s.broadcaster.Publish(ctxt, event); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to publish status event")
		}
	}
	log.WithFields(s.LogTags).Debugf("Sweep complete, %s", result)
	return result, nil
}

// Start begin periodic sweeps
func (s *sweeperImpl) Start() error {
	log.WithFields(s.LogTags).Infof(
		"Sweeping every %s with heartbeat timeout %s", s.checkInterval, s.timeout,
	)
	return s.timer.Start(s.checkInterval, func() error {
		_, err := s.Sweep(s.opCtxt)
		return err
	}, false)
}

// Stop end periodic sweeps
func (s *sweeperImpl) Stop() error {
	return s.timer.Stop()
}

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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/beacon/registry"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

var testHeartbeatConfig = common.HeartbeatConfig{Timeout: 60, CheckInterval: 30}

func TestSweepExpiresStaleClients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	reg := registry.GetMemoryRegistry("unit-test")
	broadcaster := &captureBroadcaster{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker := DefineTracker(reg, broadcaster, clk)
	uut, err := DefineSweeper(utCtxt, reg, broadcaster, clk, testHeartbeatConfig, &wg)
	assert.Nil(err)

	// Case 0: invalid config
	{
		_, err := DefineSweeper(utCtxt, reg, broadcaster, clk, common.HeartbeatConfig{}, &wg)
		assert.NotNil(err)
	}

	_, err = reg.Register(utCtxt, models.ClientRecord{ID: 1, Name: "agent-1"})
	assert.Nil(err)
	// An online client never heard from
	_, err = reg.Register(utCtxt, models.ClientRecord{
		ID: 2, Name: "agent-2", Status: models.ClientStatusOnline,
	})
	assert.Nil(err)

	t0 := clk.Now()
	_, _, err = tracker.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: 1, Status: "online", ObservedAt: t0})
	assert.Nil(err)
	broadcaster.take()

	// Case 1: within the timeout nothing changes
	{
		clk.Add(time.Second * 60)
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 2}, result)
		assert.Len(broadcaster.take(), 0)
	}

	// Case 2: past the timeout the client goes offline once
	{
		clk.Set(t0.Add(time.Second * 61))
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 2, Expired: 1}, result)

		record, err := reg.Get(utCtxt, 1)
		assert.Nil(err)
		assert.Equal(models.ClientStatusOffline, record.Status)
		assert.True(t0.Equal(*record.LastHeartbeat))

		published := broadcaster.take()
		assert.Len(published, 1)
		assert.Equal(events.EventTypeClientStatusUpdate, published[0].Type)
		assert.Equal(events.TopicClientStatus, published[0].Topic)
		assert.Equal(events.ReasonHeartbeatTimeout, published[0].Data["reason"])
		assert.Equal(int64(1), published[0].Data["client_id"])
		assert.Equal("offline", published[0].Data["status"])
	}

	// Case 3: second sweep does not repeat the transition
	{
		clk.Add(time.Second * 30)
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 1}, result)
		assert.Len(broadcaster.take(), 0)
	}

	// Case 4: never seen client is still online
	{
		record, err := reg.Get(utCtxt, 2)
		assert.Nil(err)
		assert.Equal(models.ClientStatusOnline, record.Status)
		assert.Nil(record.LastHeartbeat)
	}

	// Case 5: a new heartbeat brings the client back
	{
		_, transitioned, err := tracker.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: 1})
		assert.Nil(err)
		assert.True(transitioned)
		broadcaster.take()
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 2}, result)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	base := registry.GetMemoryRegistry("unit-test")
	reg := &faultyRegistry{Registry: base, failUpdate: map[int64]bool{2: true}}
	broadcaster := &captureBroadcaster{}
	clk := clock.NewMock()
	uut, err := DefineSweeper(utCtxt, reg, broadcaster, clk, testHeartbeatConfig, &wg)
	assert.Nil(err)

	stale := clk.Now()
	for id := int64(1); id <= 3; id++ {
		_, err := base.Register(utCtxt, models.ClientRecord{
			ID: id, Name: "agent", Status: models.ClientStatusOnline, LastHeartbeat: &stale,
		})
		assert.Nil(err)
	}
	clk.Add(time.Minute * 5)

	// Case 1: one client failing does not stop the others
	{
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 3, Expired: 2, Failed: 1}, result)
		assert.Len(broadcaster.take(), 2)
		record, err := base.Get(utCtxt, 2)
		assert.Nil(err)
		assert.Equal(models.ClientStatusOnline, record.Status)
	}

	// Case 2: registry unreachable
	{
		reg.failList = true
		_, err := uut.Sweep(utCtxt)
		assert.True(errors.Is(err, common.ErrTransientStorage))
		reg.failList = false
	}

	// Case 3: recovers on the next sweep
	{
		delete(reg.failUpdate, 2)
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 1, Expired: 1}, result)
	}

	// Case 4: canceled sweep stops before touching clients
	{
		stale := clk.Now()
		_, err := base.Register(utCtxt, models.ClientRecord{
			ID: 4, Name: "agent", Status: models.ClientStatusOnline, LastHeartbeat: &stale,
		})
		assert.Nil(err)
		clk.Add(time.Minute * 5)
		canceled, cancel := context.WithCancel(utCtxt)
		cancel()
		_, err = uut.Sweep(canceled)
		assert.NotNil(err)
		record, err := base.Get(utCtxt, 4)
		assert.Nil(err)
		assert.Equal(models.ClientStatusOnline, record.Status)
	}
}

func TestSweepNoOverlap(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	reg := &faultyRegistry{
		Registry:    registry.GetMemoryRegistry("unit-test"),
		listGate:    make(chan struct{}),
		listEntered: make(chan struct{}, 1),
	}
	uut, err := DefineSweeper(utCtxt, reg, &captureBroadcaster{}, clock.NewMock(), testHeartbeatConfig, &wg)
	assert.Nil(err)

	done := make(chan error, 1)
	go func() {
		_, err := uut.Sweep(utCtxt)
		done <- err
	}()
	<-reg.listEntered

	// Case 1: second sweep while the first is running is skipped
	{
		_, err := uut.Sweep(utCtxt)
		assert.True(errors.Is(err, ErrSweepInProgress))
	}

	close(reg.listGate)
	assert.Nil(<-done)

	// Case 2: sweeps run again once the first finished
	{
		reg.listEntered = nil
		_, err := uut.Sweep(utCtxt)
		assert.Nil(err)
	}
}

func TestSweeperPeriodic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	reg := registry.GetMemoryRegistry("unit-test")
	broadcaster := &captureBroadcaster{}
	clk := clock.NewMock()
	uut, err := DefineSweeper(utCtxt, reg, broadcaster, clk, testHeartbeatConfig, &wg)
	assert.Nil(err)

	stale := clk.Now()
	_, err = reg.Register(utCtxt, models.ClientRecord{
		ID: 1, Name: "agent", Status: models.ClientStatusOnline, LastHeartbeat: &stale,
	})
	assert.Nil(err)

	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Advance past the timeout in check interval steps
	clk.Add(time.Second * 30)
	clk.Add(time.Second * 30)
	clk.Add(time.Second * 30)

	assert.Eventually(func() bool {
		record, err := reg.Get(utCtxt, 1)
		return err == nil && record.Status == models.ClientStatusOffline
	}, time.Second*2, time.Millisecond*10)
}

func TestSweepYieldsToConcurrentHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	base := registry.GetMemoryRegistry("unit-test")
	broadcaster := &captureBroadcaster{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker := DefineTracker(base, broadcaster, clk)

	reg := &faultyRegistry{Registry: base}
	uut, err := DefineSweeper(utCtxt, reg, broadcaster, clk, testHeartbeatConfig, &wg)
	assert.Nil(err)

	_, err = base.Register(utCtxt, models.ClientRecord{ID: 1, Name: "agent-1"})
	assert.Nil(err)
	t0 := clk.Now()
	_, _, err = tracker.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: 1, ObservedAt: t0})
	assert.Nil(err)
	broadcaster.take()

	// Case 1: a heartbeat lands after the client was listed as stale, before the expiry write
	{
		clk.Set(t0.Add(time.Second * 61))
		reg.beforeUpdate = func(clientID int64) {
			_, _, err := tracker.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: clientID})
			assert.Nil(err)
		}
		result, err := uut.Sweep(utCtxt)
		assert.Nil(err)
		assert.Equal(SweepResult{Scanned: 1}, result)

		record, err := base.Get(utCtxt, 1)
		assert.Nil(err)
		assert.Equal(models.ClientStatusOnline, record.Status)
		assert.True(clk.Now().Equal(*record.LastHeartbeat))

		published := broadcaster.take()
		assert.Len(published, 1)
		assert.Equal(events.EventTypeHeartbeatReceived, published[0].Type)
		for _, event := range published {
			assert.NotEqual(events.EventTypeClientStatusUpdate, event.Type)
		}
	}
}

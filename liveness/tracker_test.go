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

func TestRecordHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	reg := registry.GetMemoryRegistry("unit-test")
	broadcaster := &captureBroadcaster{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	uut := DefineTracker(reg, broadcaster, clk)

	client, err := reg.Register(utCtxt, models.ClientRecord{
		ID: 1, Name: "agent-1", Address: "10.0.0.1", Version: "1.0",
	})
	assert.Nil(err)

	// Case 1: first heartbeat moves the client online
	t0 := clk.Now()
	{
		record, transitioned, err := uut.RecordHeartbeat(utCtxt, HeartbeatReport{
			ClientID: client.ID, Status: "online", ObservedAt: t0,
		})
		assert.Nil(err)
		assert.True(transitioned)
		assert.Equal(models.ClientStatusOnline, record.Status)
		assert.NotNil(record.LastHeartbeat)
		assert.True(t0.Equal(*record.LastHeartbeat))
		assert.Equal("1.0", record.Version)
		assert.Equal("10.0.0.1", record.Address)

		published := broadcaster.take()
		assert.Len(published, 2)
		assert.Equal(events.EventTypeHeartbeatReceived, published[0].Type)
		assert.Equal(events.TopicHeartbeat, published[0].Topic)
		assert.Equal(events.EventTypeClientStatusUpdate, published[1].Type)
		assert.Equal(events.TopicClientStatus, published[1].Topic)
		assert.Equal("offline", published[1].Data["previous_status"])
		assert.Equal("online", published[1].Data["status"])
		assert.Equal(events.ReasonHeartbeat, published[1].Data["reason"])
	}

	// Case 2: repeat heartbeat, no transition, default status, version update
	{
		clk.Add(time.Second * 10)
		record, transitioned, err := uut.RecordHeartbeat(utCtxt, HeartbeatReport{
			ClientID: client.ID, Version: "1.1",
		})
		assert.Nil(err)
		assert.False(transitioned)
		assert.Equal(models.ClientStatusOnline, record.Status)
		assert.Equal("1.1", record.Version)
		assert.Equal("10.0.0.1", record.Address)
		assert.True(clk.Now().Equal(*record.LastHeartbeat))

		published := broadcaster.take()
		assert.Len(published, 1)
		assert.Equal(events.EventTypeHeartbeatReceived, published[0].Type)
	}

	// Case 3: explicit error status
	{
		record, transitioned, err := uut.RecordHeartbeat(utCtxt, HeartbeatReport{
			ClientID: client.ID, Status: "error", Address: "10.0.0.2",
		})
		assert.Nil(err)
		assert.True(transitioned)
		assert.Equal(models.ClientStatusError, record.Status)
		assert.Equal("10.0.0.2", record.Address)
		assert.Len(broadcaster.take(), 2)
	}

	// Case 4: unknown status
	{
		_, _, err := uut.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: client.ID, Status: "busy"})
		assert.True(errors.Is(err, common.ErrValidation))
		assert.Len(broadcaster.take(), 0)
	}

	// Case 5: unknown client emits nothing
	{
		_, _, err := uut.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: 999, Status: "online"})
		assert.True(errors.Is(err, common.ErrNotFound))
		assert.Len(broadcaster.take(), 0)
		_, err = reg.Get(utCtxt, 999)
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 6: status query
	{
		record, err := uut.GetClient(utCtxt, client.ID)
		assert.Nil(err)
		assert.Equal(models.ClientStatusError, record.Status)
		_, err = uut.GetClient(utCtxt, 999)
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 7: storage failure surfaces to the caller
	{
		faulty := &faultyRegistry{Registry: reg, failUpdate: map[int64]bool{client.ID: true}}
		other := DefineTracker(faulty, broadcaster, clk)
		_, _, err := other.RecordHeartbeat(utCtxt, HeartbeatReport{ClientID: client.ID})
		assert.True(errors.Is(err, common.ErrTransientStorage))
		assert.Len(broadcaster.take(), 0)
	}
}

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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestNATSConnectParamsFromConfig(t *testing.T) {
	assert := assert.New(t)

	params := NATSConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 2},
	})
	assert.Equal("nats://127.0.0.1:4222", params.ServerURI)
	assert.Equal(time.Second*5, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*2, params.ReconnectWait)
	assert.NotNil(params.OnDisconnectCallback)
	assert.NotNil(params.OnReconnectCallback)
	assert.NotNil(params.OnCloseCallback)
}

func TestNATSClientConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsURI, ok := common.GetUnitTestNatsURI()
	if !ok {
		t.Skip("UNITTEST_NATS_URI not set")
	}

	uut, err := GetNATSClient(NATSConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}))
	assert.Nil(err)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(uut.NATs().FlushWithContext(ctxt))
	uut.Close(ctxt)
}

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

package common

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	defer viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		viper.Reset()
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(time.Second*60, cfg.Heartbeat.TimeoutDuration())
		assert.Equal(time.Second*30, cfg.Heartbeat.CheckIntervalDuration())
		assert.Nil(cfg.Relay)
	}

	// Case 2: invalid config
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
api_server:
  http:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
heartbeat:
  timeout_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: relay enabled through the config file
	{
		viper.Reset()
		InstallDefaultConfigValues()
		InstallDefaultRelayConfigValues()
		config := []byte(`---
relay:
  subject_prefix: unittest`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Relay)
		assert.Equal("unittest", cfg.Relay.SubjectPrefix)
		assert.Equal("nats://127.0.0.1:4222", cfg.Relay.NATS.ServerURI)
	}
}

func TestHeartbeatConfigFromEnv(t *testing.T) {
	assert := assert.New(t)

	defer viper.Reset()
	viper.Reset()

	assert.Nil(os.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "90"))
	assert.Nil(os.Setenv("HEARTBEAT_CHECK_INTERVAL_SECONDS", "15"))
	defer func() {
		_ = os.Unsetenv("HEARTBEAT_TIMEOUT_SECONDS")
		_ = os.Unsetenv("HEARTBEAT_CHECK_INTERVAL_SECONDS")
	}()

	InstallDefaultConfigValues()
	var cfg SystemConfig
	assert.Nil(viper.Unmarshal(&cfg))
	assert.Equal(90, cfg.Heartbeat.Timeout)
	assert.Equal(15, cfg.Heartbeat.CheckInterval)
}

func TestErrorTaxonomy(t *testing.T) {
	assert := assert.New(t)

	// Case 1: each helper wraps its sentinel
	{
		err := NotFoundError("client %d", 999)
		assert.True(errors.Is(err, ErrNotFound))
		assert.False(errors.Is(err, ErrValidation))
		assert.Contains(err.Error(), "client 999")
	}
	{
		err := ValidationError("status %q not supported", "busy")
		assert.True(errors.Is(err, ErrValidation))
	}
	{
		cause := fmt.Errorf("database is locked")
		err := TransientStorageError("list clients", cause)
		assert.True(errors.Is(err, ErrTransientStorage))
		assert.True(errors.Is(err, cause))
		assert.Contains(err.Error(), "database is locked")
	}
	{
		err := DeliveryError("conn_1", fmt.Errorf("broken pipe"))
		assert.True(errors.Is(err, ErrDeliveryFailure))
	}

	// Case 2: wrapping again keeps the classification
	{
		err := fmt.Errorf("heartbeat: %w", NotFoundError("client %d", 1))
		assert.True(errors.Is(err, ErrNotFound))
	}
}

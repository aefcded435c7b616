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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/beacon/apis"
	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/core"
	"github.com/alwitt/beacon/events"
	"github.com/alwitt/beacon/hub"
	"github.com/alwitt/beacon/liveness"
	"github.com/alwitt/beacon/registry"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineBroadcaster build the event broadcaster feeding the hub
//
// With a relay config, events go through NATS so every instance sharing the subject
// prefix delivers them. The returned NATS client is nil without a relay.
func defineBroadcaster(
	ctxt context.Context,
	config common.SystemConfig,
	connHub hub.Hub,
	wg *sync.WaitGroup,
	logTags log.Fields,
) (events.Broadcaster, *core.NatsClient, error) {
	local, err := events.GetLocalBroadcaster(ctxt, connHub, config.Hub.BroadcastQueueSize, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define local broadcaster")
		return nil, nil, err
	}
	if config.Relay == nil {
		return local, nil, nil
	}

	natsClient, err := core.GetNATSClient(core.NATSConnectParamsFromConfig(config.Relay.NATS))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.Relay.NATS.ServerURI,
		)
		_ = local.Stop()
		return nil, nil, err
	}
	relay, err := events.GetNATSRelay(ctxt, &natsClient, config.Relay.SubjectPrefix, local, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS event relay")
		natsClient.Close(ctxt)
		_ = local.Stop()
		return nil, nil, err
	}
	return relay, &natsClient, nil
}

// RunServer run the beacon service until the runtime context ends
func RunServer(
	runTimeContext context.Context, config common.SystemConfig, instance string, wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Core components

	reg, err := registry.GetSQLiteRegistry(localCtxt, config.Registry.DBPath, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open client registry")
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close client registry")
		}
	}()

	connHub, err := hub.DefineHub(
		localCtxt, instance, time.Second*time.Duration(config.Hub.SendTimeout), nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection hub")
		return err
	}

	broadcaster, natsClient, err := defineBroadcaster(localCtxt, config, connHub, wg, logTags)
	if err != nil {
		return err
	}
	defer func() {
		if err := broadcaster.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop event broadcaster")
		}
		if natsClient != nil {
			natsClient.Close(context.Background())
		}
	}()
	connHub.SetNotifier(broadcaster)

	tracker := liveness.DefineTracker(reg, broadcaster, nil)

	sweeper, err := liveness.DefineSweeper(localCtxt, reg, broadcaster, nil, config.Heartbeat, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define timeout sweeper")
		return err
	}
	if err := sweeper.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start timeout sweeper")
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop timeout sweeper")
		}
	}()

	isReady := func() error {
		if natsClient == nil {
			return nil
		}
		if status := natsClient.NATs().Status(); status != nats.CONNECTED {
			return fmt.Errorf("NATS connection status %d", status)
		}
		return nil
	}

	httpHandler, err := apis.GetAPIRestBeaconHandler(
		localCtxt,
		tracker,
		connHub,
		&config.API.HTTPSetting,
		config.Hub,
		config.Registry,
		isReady,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineRouter(httpHandler, config.API.PathPrefix)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}

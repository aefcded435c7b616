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

package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/hub"
	"github.com/alwitt/beacon/liveness"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports whether the service dependencies are usable
type ReadinessCheck func() error

// APIRestBeaconHandler REST handler for heartbeat ingest and event subscription
type APIRestBeaconHandler struct {
	goutils.RestAPIHandler
	runtimeCtxt context.Context
	tracker     liveness.Tracker
	hub         hub.Hub
	upgrader    websocket.Upgrader
	session     hub.SessionParams
	callTimeout time.Duration
	isReady     ReadinessCheck
	validate    *validator.Validate
}

// GetAPIRestBeaconHandler define APIRestBeaconHandler
//
// Subscriber sessions live until the runtime context ends.
func GetAPIRestBeaconHandler(
	runtimeCtxt context.Context,
	tracker liveness.Tracker,
	connHub hub.Hub,
	httpConfig *common.HTTPConfig,
	hubConfig common.HubConfig,
	registryConfig common.RegistryConfig,
	isReady ReadinessCheck,
) (APIRestBeaconHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "beacon",
	}
	if isReady == nil {
		isReady = func() error { return nil }
	}
	return APIRestBeaconHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		runtimeCtxt: runtimeCtxt,
		tracker:     tracker,
		hub:         connHub,
		upgrader: websocket.Upgrader{
			// Subscribers are served from any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		session: hub.SessionParams{
			ReadLimit:    hubConfig.ReadLimit,
			PingInterval: time.Second * time.Duration(hubConfig.PingInterval),
			SendTimeout:  time.Second * time.Duration(hubConfig.SendTimeout),
		},
		callTimeout: time.Second * time.Duration(registryConfig.CallTimeout),
		isReady:     isReady,
		validate:    validator.New(),
	}, nil
}

// DefineRouter define the router for all of the service end-points
func DefineRouter(h APIRestBeaconHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Heartbeat
	_ = RegisterPathPrefix(mainRouter, "/v1/heartbeat", MethodHandlers{
		"post": h.LoggingMiddleware(h.RecordHeartbeatHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/heartbeat/status/{clientID}", MethodHandlers{
		"get": h.LoggingMiddleware(h.GetClientStatusHandler()),
	})

	// Subscriber channel. The upgrade needs the raw connection so no logging wrapper.
	_ = RegisterPathPrefix(mainRouter, "/v1/ws", MethodHandlers{
		"get": h.SubscriberChannelHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ws/info", MethodHandlers{
		"get": h.LoggingMiddleware(h.GetConnectionInfoHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": h.LoggingMiddleware(h.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": h.LoggingMiddleware(h.ReadyHandler()),
	})
	return router
}

// registryCallContext bound a registry call made on behalf of a request
func (h APIRestBeaconHandler) registryCallContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.callTimeout)
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestBeaconHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBeaconHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the service dependencies are usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestBeaconHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.isReady(); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBeaconHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

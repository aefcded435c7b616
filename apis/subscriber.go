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
	"net/http"

	"github.com/alwitt/beacon/hub"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// SubscriberChannel godoc
// @Summary Open an event subscriber channel
// @Description Upgrade to a WebSocket. Send {"action":"subscribe","topics":[...]},
// @Description {"action":"unsubscribe","topics":[...]} or {"action":"get_info"} to control it.
// @tags Subscriber
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "not a WebSocket request"
// @Router /v1/ws [get]
func (h APIRestBeaconHandler) SubscriberChannel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the caller
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	if err := hub.ServeWebSocket(h.runtimeCtxt, h.hub, conn, h.session); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Subscriber session failed")
	}
}

// SubscriberChannelHandler Wrapper around SubscriberChannel
func (h APIRestBeaconHandler) SubscriberChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscriberChannel(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespConnectionInfo response for the connection hub state
type APIRestRespConnectionInfo struct {
	goutils.RestAPIBaseResponse
	// Info is the connection hub snapshot
	Info hub.Info `json:"info"`
}

// GetConnectionInfo godoc
// @Summary Query subscriber connections
// @Description Snapshot of the active subscriber connections and their topics
// @tags Subscriber
// @Produce json
// @Param Beacon-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnectionInfo "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Beacon-Request-ID "Request ID to match against logs"
// @Router /v1/ws/info [get]
func (h APIRestBeaconHandler) GetConnectionInfo(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespConnectionInfo{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Info: h.hub.Info(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetConnectionInfoHandler Wrapper around GetConnectionInfo
func (h APIRestBeaconHandler) GetConnectionInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnectionInfo(w, r)
	}
}

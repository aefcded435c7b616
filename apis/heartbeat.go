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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/beacon/liveness"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestReqHeartbeat heartbeat reported by a client
type APIRestReqHeartbeat struct {
	// ClientID is the reporting client
	ClientID *int64 `json:"client_id" validate:"required"`
	// Timestamp is the client's send time
	Timestamp *time.Time `json:"timestamp" validate:"required"`
	// Status is the client's status, defaults to online
	Status string `json:"status,omitempty"`
	// Version is the client's software version
	Version string `json:"version,omitempty"`
	// IPAddress is the client's network address
	IPAddress string `json:"ip_address,omitempty"`
}

// APIRestRespHeartbeat response to a recorded heartbeat
type APIRestRespHeartbeat struct {
	goutils.RestAPIBaseResponse
	// Message describes the result
	Message string `json:"message"`
	// Timestamp is the server-observed heartbeat time
	Timestamp time.Time `json:"timestamp"`
	// ClientStatus is the client status after the heartbeat
	ClientStatus models.ClientStatus `json:"client_status"`
}

// RecordHeartbeat godoc
// @Summary Record a client heartbeat
// @Description Update the client's last heartbeat time and status
// @tags Heartbeat
// @Accept json
// @Produce json
// @Param Beacon-Request-ID header string false "User provided request ID to match against logs"
// @Param heartbeat body APIRestReqHeartbeat true "Heartbeat report"
// @Success 200 {object} APIRestRespHeartbeat "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "unknown client"
// @Failure 422 {object} goutils.RestAPIBaseResponse "malformed heartbeat"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "storage unavailable"
// @Header 200,404,422,500,503 {string} Beacon-Request-ID "Request ID to match against logs"
// @Router /v1/heartbeat [post]
func (h APIRestBeaconHandler) RecordHeartbeat(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// The observed time is taken on arrival
	observedAt := time.Now().UTC()

	var params APIRestReqHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnprocessableEntity
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid heartbeat"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnprocessableEntity
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	callCtxt, cancel := h.registryCallContext(r)
	defer cancel()
	record, _, err := h.tracker.RecordHeartbeat(callCtxt, liveness.HeartbeatReport{
		ClientID:   *params.ClientID,
		Status:     params.Status,
		Version:    params.Version,
		Address:    params.IPAddress,
		ObservedAt: observedAt,
	})
	if err != nil {
		msg := "Failed to record heartbeat"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespHeartbeat{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Message:      "heartbeat recorded",
		Timestamp:    observedAt,
		ClientStatus: record.Status,
	}
}

// RecordHeartbeatHandler Wrapper around RecordHeartbeat
func (h APIRestBeaconHandler) RecordHeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecordHeartbeat(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespClientStatus response for one client's record
type APIRestRespClientStatus struct {
	goutils.RestAPIBaseResponse
	// Client is the client record
	Client models.ClientRecord `json:"client"`
}

// GetClientStatus godoc
// @Summary Query one client's status
// @Description Fetch the current record of one client
// @tags Heartbeat
// @Produce json
// @Param Beacon-Request-ID header string false "User provided request ID to match against logs"
// @Param clientID path int true "Client ID"
// @Success 200 {object} APIRestRespClientStatus "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "unknown client"
// @Failure 422 {object} goutils.RestAPIBaseResponse "invalid client ID"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "storage unavailable"
// @Header 200,404,422,500,503 {string} Beacon-Request-ID "Request ID to match against logs"
// @Router /v1/heartbeat/status/{clientID} [get]
func (h APIRestBeaconHandler) GetClientStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	rawID, ok := vars["clientID"]
	if !ok {
		msg := "No client ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnprocessableEntity
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}
	clientID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		msg := "Invalid client ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnprocessableEntity
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	callCtxt, cancel := h.registryCallContext(r)
	defer cancel()
	record, err := h.tracker.GetClient(callCtxt, clientID)
	if err != nil {
		msg := "Failed to read client"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespClientStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Client: record,
	}
}

// GetClientStatusHandler Wrapper around GetClientStatus
func (h APIRestBeaconHandler) GetClientStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetClientStatus(w, r)
	}
}

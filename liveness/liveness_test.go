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
	"fmt"
	"sync"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/events"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/beacon/registry"
)

// captureBroadcaster Broadcaster recording every published event
type captureBroadcaster struct {
	lock      sync.Mutex
	published []events.Event
}

func (b *captureBroadcaster) Publish(_ context.Context, event events.Event) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *captureBroadcaster) Stop() error {
	return nil
}

// take return and clear the recorded events
func (b *captureBroadcaster) take() []events.Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := b.published
	b.published = nil
	return result
}

// faultyRegistry Registry wrapper with injectable failures
type faultyRegistry struct {
	registry.Registry
	failUpdate   map[int64]bool
	failList     bool
	listGate     chan struct{}
	listEntered  chan struct{}
	beforeUpdate func(clientID int64)
}

func (r *faultyRegistry) ListByStatus(
	ctxt context.Context, status models.ClientStatus,
) ([]models.ClientRecord, error) {
	if r.listEntered != nil {
		r.listEntered <- struct{}{}
	}
	if r.listGate != nil {
		<-r.listGate
	}
	if r.failList {
		return nil, common.TransientStorageError("list clients", fmt.Errorf("database is locked"))
	}
	return r.Registry.ListByStatus(ctxt, status)
}

func (r *faultyRegistry) Update(
	ctxt context.Context, clientID int64, mutator registry.ClientMutator,
) (registry.UpdateResult, error) {
	if r.failUpdate[clientID] {
		return registry.UpdateResult{}, common.TransientStorageError(
			"update client", fmt.Errorf("disk I/O error"),
		)
	}
	if hook := r.beforeUpdate; hook != nil {
		// Only fire on the first update
		r.beforeUpdate = nil
		hook(clientID)
	}
	return r.Registry.Update(ctxt, clientID, mutator)
}

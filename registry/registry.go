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

package registry

import (
	"context"
	"sync"

	"github.com/alwitt/beacon/models"
)

// ClientMutator modifies a client record in place as part of an update
//
// Returning false leaves the stored record untouched. Returning an error aborts
// the update.
type ClientMutator func(record *models.ClientRecord) (bool, error)

// UpdateResult outcome of a Registry.Update call
type UpdateResult struct {
	// Previous is the record before the mutation
	Previous models.ClientRecord
	// Current is the record after the mutation
	Current models.ClientRecord
	// Written is whether the mutation was persisted
	Written bool
}

// Registry is the store of client records
//
// Updates of one client are serialized. Updates of different clients proceed in parallel.
type Registry interface {
	// Register store a new client record. The ID is assigned if not provided.
	Register(ctxt context.Context, record models.ClientRecord) (models.ClientRecord, error)
	// Get fetch one client record
	Get(ctxt context.Context, clientID int64) (models.ClientRecord, error)
	// List fetch all client records
	List(ctxt context.Context) ([]models.ClientRecord, error)
	// ListByStatus fetch all client records with a particular status
	ListByStatus(ctxt context.Context, status models.ClientStatus) ([]models.ClientRecord, error)
	// Update read-modify-write one client record as one transaction
	Update(ctxt context.Context, clientID int64, mutator ClientMutator) (UpdateResult, error)
	// Close release the registry resources
	Close() error
}

// clientLocks provides one mutex per client ID
//
// Entries are reference counted and dropped once no caller holds or waits on them.
type clientLocks struct {
	lock    sync.Mutex
	entries map[int64]*clientLockEntry
}

type clientLockEntry struct {
	sync.Mutex
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{entries: make(map[int64]*clientLockEntry)}
}

// acquire lock the client ID. The returned function releases it.
func (l *clientLocks) acquire(clientID int64) func() {
	l.lock.Lock()
	entry, ok := l.entries[clientID]
	if !ok {
		entry = &clientLockEntry{}
		l.entries[clientID] = entry
	}
	entry.refs++
	l.lock.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.lock.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, clientID)
		}
		l.lock.Unlock()
	}
}

// size number of tracked lock entries
func (l *clientLocks) size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.entries)
}

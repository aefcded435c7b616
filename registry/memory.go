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
	"sort"
	"sync"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// memoryRegistryImpl implements Registry in process memory
type memoryRegistryImpl struct {
	common.Component
	locks    *clientLocks
	lock     sync.RWMutex
	records  map[int64]models.ClientRecord
	nextID   int64
	validate *validator.Validate
}

// GetMemoryRegistry define an in-memory Registry
func GetMemoryRegistry(instance string) Registry {
	logTags := log.Fields{
		"module": "registry", "component": "memory", "instance": instance,
	}
	return &memoryRegistryImpl{
		Component: common.Component{LogTags: logTags},
		locks:     newClientLocks(),
		records:   make(map[int64]models.ClientRecord),
		nextID:    1,
		validate:  validator.New(),
	}
}

// Register store a new client record. The ID is assigned if not provided.
func (r *memoryRegistryImpl) Register(
	_ context.Context, record models.ClientRecord,
) (models.ClientRecord, error) {
	if record.Status == "" {
		record.Status = models.ClientStatusOffline
	}
	if err := r.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Invalid client record")
		return models.ClientRecord{}, common.ValidationError("client record: %s", err.Error())
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if record.ID == 0 {
		record.ID = r.nextID
	}
	if _, ok := r.records[record.ID]; ok {
		return models.ClientRecord{}, common.ValidationError("client %d already registered", record.ID)
	}
	if record.ID >= r.nextID {
		r.nextID = record.ID + 1
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	r.records[record.ID] = record.Copy()
	log.WithFields(r.LogTags).Debugf("Registered %s", record)
	return record, nil
}

// Get fetch one client record
func (r *memoryRegistryImpl) Get(_ context.Context, clientID int64) (models.ClientRecord, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	record, ok := r.records[clientID]
	if !ok {
		return models.ClientRecord{}, common.NotFoundError("client %d", clientID)
	}
	return record.Copy(), nil
}

func (r *memoryRegistryImpl) filter(
	keep func(models.ClientRecord) bool,
) []models.ClientRecord {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]models.ClientRecord, 0, len(r.records))
	for _, record := range r.records {
		if keep(record) {
			result = append(result, record.Copy())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// List fetch all client records
func (r *memoryRegistryImpl) List(_ context.Context) ([]models.ClientRecord, error) {
	return r.filter(func(models.ClientRecord) bool { return true }), nil
}

// ListByStatus fetch all client records with a particular status
func (r *memoryRegistryImpl) ListByStatus(
	_ context.Context, status models.ClientStatus,
) ([]models.ClientRecord, error) {
	return r.filter(func(record models.ClientRecord) bool { return record.Status == status }), nil
}

// Update read-modify-write one client record as one transaction
func (r *memoryRegistryImpl) Update(
	ctxt context.Context, clientID int64, mutator ClientMutator,
) (UpdateResult, error) {
	release := r.locks.acquire(clientID)
	defer release()

	if err := ctxt.Err(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Update of client %d abandoned", clientID)
		return UpdateResult{}, common.TransientStorageError("update client", err)
	}

	previous, err := r.Get(ctxt, clientID)
	if err != nil {
		return UpdateResult{}, err
	}
	current := previous.Copy()
	write, err := mutator(&current)
	if err != nil {
		return UpdateResult{Previous: previous, Current: previous}, err
	}
	if !write {
		return UpdateResult{Previous: previous, Current: previous}, nil
	}
	// Identity fields are owned by the registry
	current.ID = previous.ID
	current.CreatedAt = previous.CreatedAt
	current.UpdatedAt = time.Now().UTC()

	r.lock.Lock()
	r.records[clientID] = current.Copy()
	r.lock.Unlock()

	return UpdateResult{Previous: previous, Current: current, Written: true}, nil
}

// Close release the registry resources
func (r *memoryRegistryImpl) Close() error {
	return nil
}

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
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler callback function signature for processing one task parameter
type TaskHandler func(taskParam interface{}) error

// TaskProcessor implements an event loop where tasks are processed by a daemon thread
// in the order they were submitted
type TaskProcessor interface {
	// Submit sends a new task parameter to be processed asynchronously
	//
	// Blocks until the parameter is queued, or the context / processor ends.
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam processes a new task parameter on the calling thread
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap update the mapping between task param object and its processing handler
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add new (task param, handler) mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop starts the daemon thread for processing the submitted task parameters
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stops the daemon thread
	StopEventLoop() error
}

// taskProcessorImpl implements TaskProcessor
type taskProcessorImpl struct {
	Component
	name          string
	operationCtxt context.Context
	contextCancel context.CancelFunc
	newTasks      chan interface{}
	mapLock       sync.RWMutex
	executionMap  map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get task processor instance
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("task buffer must be at least 1, got %d", taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:     Component{LogTags: logTags},
		name:          name,
		operationCtxt: optCtxt,
		contextCancel: cancel,
		newTasks:      make(chan interface{}, taskBuffer),
		executionMap:  make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit sends a new task parameter to be processed asynchronously
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if err := p.operationCtxt.Err(); err != nil {
		return fmt.Errorf("[TP %s] processor stopped: %w", p.name, err)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtxt.Done():
		return fmt.Errorf("[TP %s] processor stopped: %w", p.name, p.operationCtxt.Err())
	}
}

// SetTaskExecutionMap update the mapping between task param object and its processing handler
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add new (task param, handler) mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stops the daemon thread
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.contextCancel()
	return nil
}

// ProcessNewTaskParam processes a new task parameter on the calling thread
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.mapLock.RLock()
	defer p.mapLock.RUnlock()
	if len(p.executionMap) > 0 {
		// Process task based on the parameter type
		if theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]; ok {
			return theHandler(newTaskParam)
		}
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
}

// StartEventLoop starts the daemon thread for processing the submitted task parameters
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtxt.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

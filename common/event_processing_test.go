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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer size
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
		assert.NotNil(err)
	}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type testStruct1 struct {
		idx int
	}

	received := make(chan int, 10)
	assert.Nil(uut.AddToTaskExecutionMap(reflect.TypeOf(testStruct1{}), func(p interface{}) error {
		received <- p.(testStruct1).idx
		return nil
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	{
		for itr := 0; itr < 5; itr++ {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			assert.Nil(uut.Submit(useContext, testStruct1{idx: itr}))
			cancel()
		}
		for itr := 0; itr < 5; itr++ {
			select {
			case idx := <-received:
				assert.Equal(itr, idx)
			case <-time.After(time.Second):
				assert.Fail("task not processed in time")
			}
		}
	}

	// Case 2: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.Submit(ctxt, testStruct1{idx: 10}))
	}
}

/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleDebouncerVoidsOverlappingCalls(t *testing.T) {
	var d SimpleDebouncer
	var ran int32

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Debounce(func() {
			atomic.AddInt32(&ran, 1)
			<-release
		})
	}()

	// give the first call a moment to claim the waiting flag
	time.Sleep(20 * time.Millisecond)
	secondRan := d.Debounce(func() { atomic.AddInt32(&ran, 1) })
	assert.False(t, secondRan, "a call already running must void a concurrent one")

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestSimpleDebouncerRunsSequentialCalls(t *testing.T) {
	var d SimpleDebouncer
	var ran int

	ok1 := d.Debounce(func() { ran++ })
	ok2 := d.Debounce(func() { ran++ })

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, 2, ran)
}

func TestRefreshDebouncerDebounceCoalescesBursts(t *testing.T) {
	var calls int32
	d := NewRefreshDebouncer(30*time.Millisecond, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	for i := 0; i < 5; i++ {
		d.Debounce()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRefreshDebouncerRefreshNowFansOutToConcurrentCallers(t *testing.T) {
	var calls int32
	d := NewRefreshDebouncer(time.Minute, func() error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = <-d.RefreshNow()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestRefreshDebouncerStopPreventsFurtherRefresh(t *testing.T) {
	var calls int32
	d := NewRefreshDebouncer(time.Millisecond, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	d.Stop()

	err := <-d.RefreshNow()
	assert.ErrorIs(t, err, ErrStopped)

	d.Debounce()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

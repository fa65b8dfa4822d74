// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPeriodicJob(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var count atomic.Int32
	s.Schedule("count", func() { count.Inc() }, 10*time.Millisecond, 0)
	s.Start()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTrigger(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var count atomic.Int32
	job := s.Schedule("slow", func() { count.Inc() }, time.Hour, time.Hour)
	s.Start()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())

	s.Trigger(job)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the interval is preserved, no extra run happens
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var count atomic.Int32
	job := s.Schedule("canceled", func() { count.Inc() }, 10*time.Millisecond, 50*time.Millisecond)
	s.Start()
	s.Cancel(job)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestScheduleOnce(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var count atomic.Int32
	s.ScheduleOnce("one-shot", func() { count.Inc() }, time.Now().Add(10*time.Millisecond))
	s.Start()

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestShutdownWaitsForInflightJob(t *testing.T) {
	s := New()

	var done atomic.Bool
	started := make(chan struct{})
	s.Schedule("blocking", func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	}, time.Hour, 0)
	s.Start()

	<-started
	s.Shutdown()
	assert.True(t, done.Load(), "Shutdown must wait for the in-flight job")
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	s.Start()
	s.Shutdown()
	s.Shutdown()
}

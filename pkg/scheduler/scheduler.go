// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package scheduler runs the agent periodic and one-shot jobs.
//
// Jobs run sequentially on a single worker goroutine; a job must therefore
// not block for longer than the shortest scheduled interval. Any job can be
// triggered to run as soon as possible without disturbing its interval.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// Job is a handle on a scheduled function.
type Job struct {
	name     string
	fn       func()
	every    time.Duration // 0 for one-shot jobs
	nextRun  time.Time
	canceled bool
}

// Scheduler is the cooperative job runner.
type Scheduler struct {
	clk clock.Clock

	l       sync.Mutex
	jobs    []*Job
	wake    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// New returns a scheduler using the wall clock.
func New() *Scheduler {
	return NewWithClock(clock.New())
}

// NewWithClock returns a scheduler with an injected clock.
func NewWithClock(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:  clk,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule registers fn to run every interval, with the first run after
// delay. A zero delay runs the job as soon as the worker is free.
func (s *Scheduler) Schedule(name string, fn func(), every, delay time.Duration) *Job {
	job := &Job{
		name:    name,
		fn:      fn,
		every:   every,
		nextRun: s.clk.Now().Add(delay),
	}
	s.addJob(job)
	return job
}

// ScheduleOnce registers fn to run once at the given time.
func (s *Scheduler) ScheduleOnce(name string, fn func(), at time.Time) *Job {
	job := &Job{
		name:    name,
		fn:      fn,
		nextRun: at,
	}
	s.addJob(job)
	return job
}

func (s *Scheduler) addJob(job *Job) {
	s.l.Lock()
	s.jobs = append(s.jobs, job)
	s.l.Unlock()
	s.wakeup()
}

// Trigger makes the job run as soon as possible. Its interval is unchanged:
// the next periodic run is rescheduled from the triggered run.
func (s *Scheduler) Trigger(job *Job) {
	if job == nil {
		return
	}
	s.l.Lock()
	job.nextRun = s.clk.Now()
	s.l.Unlock()
	s.wakeup()
}

// Cancel unschedules the job.
func (s *Scheduler) Cancel(job *Job) {
	if job == nil {
		return
	}
	s.l.Lock()
	job.canceled = true
	s.l.Unlock()
	s.wakeup()
}

// Start launches the worker goroutine.
func (s *Scheduler) Start() {
	s.l.Lock()
	if s.started {
		s.l.Unlock()
		return
	}
	s.started = true
	s.l.Unlock()
	go s.worker()
}

// Shutdown stops the scheduler and waits for the in-flight job to return.
func (s *Scheduler) Shutdown() {
	s.l.Lock()
	if !s.started || s.stopped {
		s.l.Unlock()
		return
	}
	s.stopped = true
	s.l.Unlock()
	s.wakeup()
	<-s.done
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker() {
	defer close(s.done)

	for {
		job, wait := s.nextDue()
		if job != nil {
			start := s.clk.Now()
			job.fn()
			if d := s.clk.Now().Sub(start); d > 10*time.Second {
				log.Debugf("Job %s took %v", job.name, d)
			}
			continue
		}

		if wait < 0 {
			// no job scheduled, sleep until something changes
			wait = time.Hour
		}
		timer := s.clk.Timer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}

		s.l.Lock()
		stopped := s.stopped
		s.l.Unlock()
		if stopped {
			return
		}
	}
}

// nextDue pops the next runnable job, or returns how long to wait for one.
// Canceled jobs are reaped here. While holding the lock it also reschedules
// the returned periodic job, so a concurrent Trigger is never lost.
func (s *Scheduler) nextDue() (*Job, time.Duration) {
	s.l.Lock()
	defer s.l.Unlock()

	if s.stopped {
		return nil, -1
	}

	now := s.clk.Now()
	kept := s.jobs[:0]
	var due *Job
	wait := time.Duration(-1)

	for _, job := range s.jobs {
		if job.canceled {
			continue
		}
		if due == nil && !job.nextRun.After(now) {
			due = job
			if job.every > 0 {
				job.nextRun = now.Add(job.every)
				kept = append(kept, job)
			}
			continue
		}
		d := job.nextRun.Sub(now)
		if wait < 0 || d < wait {
			wait = d
		}
		kept = append(kept, job)
	}
	s.jobs = kept

	return due, wait
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package graphite receives raw samples from the collector over its
// line-oriented TCP protocol, renames them to canonical measurements and
// computes the derived aggregates.
package graphite

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// Emitter receives canonical samples from the derivation engine.
type Emitter interface {
	EmitMetric(m types.MetricSample)
}

// Cache is the last-value lookup needed to compute aggregates.
type Cache interface {
	Get(key types.MetricKey) (types.MetricSample, bool)
}

// Options filter and rewrite raw sample names.
type Options struct {
	DFPathIgnore              []string
	DFHostMountPoint          string
	NetworkInterfaceBlacklist []string
}

// computation is one deferred derived-metric token.
type computation struct {
	name string
	item string
	time float64
}

var (
	// errMissingMetric: a dependency is absent or older than the target
	// timestamp; retry on the next tick.
	errMissingMetric = errors.New("metric dependency not yet available")
	// errComputationFail: a dependency is already newer than the target
	// timestamp; the value can never be computed.
	errComputationFail = errors.New("metric dependency moved past target time")
)

// Engine is the derivation engine. One engine is shared by every collector
// connection; its pending set is guarded by a mutex.
type Engine struct {
	emitter Emitter
	cache   Cache
	opts    Options

	l            sync.Mutex
	pending      map[computation]struct{}
	lastTickTime float64
}

// NewEngine returns an engine emitting canonical samples to emitter.
func NewEngine(emitter Emitter, cache Cache, opts Options) *Engine {
	return &Engine{
		emitter: emitter,
		cache:   cache,
		opts:    opts,
		pending: make(map[computation]struct{}),
	}
}

// HandleLine processes one complete collector line: "name value timestamp".
// Malformed lines are silently dropped. A timestamp advancing by more than
// one second is a new collector tick and triggers the pending computations.
func (e *Engine) HandleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return
	}

	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return
	}
	timestamp, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return
	}

	// the first dot-component is the hostname
	name := fields[0]
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return
	}
	name = name[idx+1:]

	e.l.Lock()
	tick := timestamp > e.lastTickTime+1
	if timestamp > e.lastTickTime {
		e.lastTickTime = timestamp
	}
	e.l.Unlock()

	if tick {
		e.runComputations()
	}

	samples, pendings := e.rename(name, timestamp, value)
	for _, s := range samples {
		e.emitter.EmitMetric(s)
	}
	if len(pendings) > 0 {
		e.l.Lock()
		for _, p := range pendings {
			e.pending[p] = struct{}{}
		}
		e.l.Unlock()
	}
}

// EndOfBatch is called after a batch of lines was fed (one network read) and
// walks the pending computations again.
func (e *Engine) EndOfBatch() {
	e.runComputations()
}

// runComputations attempts every queued derived metric. Computations whose
// dependencies are still missing stay queued; computations whose
// dependencies already moved past the target time are dropped.
func (e *Engine) runComputations() {
	e.l.Lock()
	tokens := make([]computation, 0, len(e.pending))
	for c := range e.pending {
		tokens = append(tokens, c)
	}
	e.l.Unlock()

	done := make([]computation, 0, len(tokens))
	for _, c := range tokens {
		err := e.compute(c)
		switch {
		case err == nil:
			done = append(done, c)
		case errors.Is(err, errComputationFail):
			log.Debugf("Failed to compute metric %s at time %v", c.name, c.time)
			done = append(done, c)
		default:
			// dependency missing, keep the token for the next tick
		}
	}

	if len(done) > 0 {
		e.l.Lock()
		for _, c := range done {
			delete(e.pending, c)
		}
		e.l.Unlock()
	}
}

// dep fetches the value of a dependency at exactly the target time.
func (e *Engine) dep(name, item string, timestamp float64) (float64, error) {
	m, ok := e.cache.Get(types.MetricKey{Measurement: name, Item: item})
	if !ok || m.Time < timestamp {
		return 0, errMissingMetric
	}
	if m.Time > timestamp {
		return 0, errComputationFail
	}
	return m.Value, nil
}

// optionalDep is dep for dependencies that may legitimately not exist at
// all (e.g. disk_reserved): an absent metric contributes zero.
func (e *Engine) optionalDep(name, item string, timestamp float64) (float64, error) {
	m, ok := e.cache.Get(types.MetricKey{Measurement: name, Item: item})
	if !ok {
		return 0, nil
	}
	if m.Time < timestamp {
		return 0, errMissingMetric
	}
	if m.Time > timestamp {
		return 0, errComputationFail
	}
	return m.Value, nil
}

func (e *Engine) compute(c computation) error {
	emit := func(measurement string, value float64) {
		e.emitter.EmitMetric(types.MetricSample{
			Measurement: measurement,
			Item:        c.item,
			Time:        c.time,
			Value:       value,
		})
	}

	switch c.name {
	case "cpu_other":
		used, err := e.dep("cpu_used", "", c.time)
		if err != nil {
			return err
		}
		user, err := e.dep("cpu_user", "", c.time)
		if err != nil {
			return err
		}
		system, err := e.dep("cpu_system", "", c.time)
		if err != nil {
			return err
		}
		other := used - user - system
		if other < 0 {
			// accounting skew, emit anyway
			log.Debugf("cpu_other is negative (%.2f) at time %v", other, c.time)
		}
		emit("cpu_other", other)

	case "disk_total":
		used, err := e.dep("disk_used", c.item, c.time)
		if err != nil {
			return err
		}
		free, err := e.dep("disk_free", c.item, c.time)
		if err != nil {
			return err
		}
		reserved, err := e.optionalDep("disk_reserved", c.item, c.time)
		if err != nil {
			return err
		}
		// used_perc could exceed 100% when reserved space is in use, limit
		// it to 100%. The total still includes reserved space.
		if used+free > 0 {
			usedPerc := used / (used + free) * 100
			if usedPerc > 100 {
				usedPerc = 100
			}
			emit("disk_used_perc", usedPerc)
		}
		emit("disk_total", used+free+reserved)

	case "mem_total":
		total := 0.0
		used := 0.0
		for _, sub := range []string{"used", "buffered", "cached", "free"} {
			v, err := e.dep("mem_"+sub, "", c.time)
			if err != nil {
				return err
			}
			if sub == "used" {
				used = v
			}
			total += v
		}
		if total > 0 {
			emit("mem_used_perc", used/total*100)
		}
		emit("mem_total", total)

	case "swap_total":
		used, err := e.dep("swap_used", "", c.time)
		if err != nil {
			return err
		}
		free, err := e.dep("swap_free", "", c.time)
		if err != nil {
			return err
		}
		if used+free > 0 {
			emit("swap_used_perc", used/(used+free)*100)
		}
		emit("swap_total", used+free)

	case "process_total":
		total := 0.0
		for _, sub := range []string{"blocked", "paging", "running", "sleeping", "stopped", "zombies"} {
			v, err := e.dep("process_status_"+sub, "", c.time)
			if err != nil {
				return err
			}
			total += v
		}
		emit("process_total", total)

	default:
		log.Debugf("Unknown derived metric %q", c.name)
	}

	return nil
}

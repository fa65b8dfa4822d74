// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package threshold evaluates samples against thresholds and applies the
// soft-status hysteresis before a status is reported.
package threshold

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/bleemeo/bleemeo-agent/pkg/store"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

// Period is how long a soft status must hold before it is reported.
const Period = 300.0 // seconds

// Threshold is one set of bounds. A nil bound is "no bound"; a threshold
// with all four bounds nil is treated as absent.
type Threshold struct {
	LowCritical  *float64 `json:"low_critical"`
	LowWarning   *float64 `json:"low_warning"`
	HighWarning  *float64 `json:"high_warning"`
	HighCritical *float64 `json:"high_critical"`
}

// IsZero reports whether no bound is set.
func (t Threshold) IsZero() bool {
	return t.LowCritical == nil && t.LowWarning == nil && t.HighWarning == nil && t.HighCritical == nil
}

// Equal compares two thresholds bound by bound.
func (t Threshold) Equal(other Threshold) bool {
	eq := func(a, b *float64) bool {
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}
	return eq(t.LowCritical, other.LowCritical) && eq(t.LowWarning, other.LowWarning) &&
		eq(t.HighWarning, other.HighWarning) && eq(t.HighCritical, other.HighCritical)
}

// softState records when each degradation started, as sample time. nil means
// no degradation in progress; a pointer keeps sample time 0 a valid start.
type softState struct {
	warningSince  *float64
	criticalSince *float64
}

func sinceOf(t float64) *float64 { return &t }

// Registry holds the merged threshold table and the per-key soft-status
// state. Thresholds come from two sources: the static configuration and the
// cloud registry; the merge overlays the latter on top of the former.
type Registry struct {
	cache *store.Store
	clock clock.Clock

	l         sync.Mutex
	config    map[types.MetricKey]Threshold
	remote    map[types.MetricKey]Threshold
	merged    map[types.MetricKey]Threshold
	softSince map[types.MetricKey]softState
}

// New returns a registry using cache for last-status lookups.
func New(cache *store.Store, configThresholds map[types.MetricKey]Threshold) *Registry {
	r := &Registry{
		cache:     cache,
		clock:     clock.New(),
		softSince: make(map[types.MetricKey]softState),
	}
	r.SetConfigThresholds(configThresholds)
	return r
}

// NewWithClock is New with an injected clock.
func NewWithClock(cache *store.Store, configThresholds map[types.MetricKey]Threshold, clk clock.Clock) *Registry {
	r := New(cache, configThresholds)
	r.clock = clk
	return r
}

// SetConfigThresholds replaces the configuration source, used on SIGHUP.
func (r *Registry) SetConfigThresholds(config map[types.MetricKey]Threshold) {
	r.l.Lock()
	defer r.l.Unlock()
	r.config = config
	r.rebuildLocked()
}

// UpdateThresholds replaces the remote source with the table fetched from
// the cloud registry.
func (r *Registry) UpdateThresholds(remote map[types.MetricKey]Threshold) {
	r.l.Lock()
	defer r.l.Unlock()
	r.remote = remote
	r.rebuildLocked()
}

func (r *Registry) rebuildLocked() {
	merged := make(map[types.MetricKey]Threshold, len(r.config)+len(r.remote))
	for k, v := range r.config {
		merged[k] = v
	}
	for k, v := range r.remote {
		merged[k] = v
	}
	r.merged = merged
}

// GetThreshold returns the active threshold for (name, item): exact match
// first, then (name, no item). The second return is false when no usable
// threshold exists.
func (r *Registry) GetThreshold(name, item string) (Threshold, bool) {
	r.l.Lock()
	defer r.l.Unlock()

	t, ok := r.merged[types.MetricKey{Measurement: name, Item: item}]
	if !ok && item != "" {
		t, ok = r.merged[types.MetricKey{Measurement: name}]
	}
	if !ok || t.IsZero() {
		return Threshold{}, false
	}
	return t, true
}

// Evaluate checks the sample against its threshold. It returns the sample,
// with status attached when a threshold applies, plus the derived *_status
// sample to emit (nil when no threshold applies). The *_status sample is
// never itself threshold-evaluated; it carries StatusOf.
//
// withSoftStatus disables the hysteresis when false, for metrics carrying
// discrete events where a 5-minute latch makes no sense.
func (r *Registry) Evaluate(m types.MetricSample, withSoftStatus bool) (types.MetricSample, *types.MetricSample) {
	t, ok := r.GetThreshold(m.Measurement, m.Item)
	if !ok {
		return m, nil
	}

	softStatus := softStatusFor(m.Value, t)

	// Without history the metric is considered ok: a degradation is only
	// reported once it held for the full period.
	lastStatus := types.StatusOk
	if last, ok := r.cache.Get(m.Key()); ok && last.HasStatus {
		lastStatus = last.Status
	}

	status := softStatus
	if withSoftStatus {
		status = r.latch(m, softStatus, lastStatus)
	}

	m.HasStatus = true
	m.Status = status
	m.CheckOutput = checkOutput(m.Value, status, t, withSoftStatus)

	statusMetric := m
	statusMetric.Measurement = m.Measurement + "_status"
	statusMetric.Value = status.NagiosCode()
	statusMetric.StatusOf = m.Measurement

	return m, &statusMetric
}

// softStatusFor returns the instantaneous verdict on a single sample.
func softStatusFor(value float64, t Threshold) types.Status {
	switch {
	case t.LowCritical != nil && value < *t.LowCritical:
		return types.StatusCritical
	case t.LowWarning != nil && value < *t.LowWarning:
		return types.StatusWarning
	case t.HighCritical != nil && value > *t.HighCritical:
		return types.StatusCritical
	case t.HighWarning != nil && value > *t.HighWarning:
		return types.StatusWarning
	default:
		return types.StatusOk
	}
}

// latch applies the soft-status state machine: a degradation is reported
// only after it held for Period, a downgrade is immediate.
func (r *Registry) latch(m types.MetricSample, softStatus, lastStatus types.Status) types.Status {
	key := m.Key()

	r.l.Lock()
	state := r.softSince[key]

	// Make sure time didn't jump backward. If it did, reset the timers.
	now := float64(r.clock.Now().Unix())
	if state.criticalSince != nil && *state.criticalSince > now {
		state.criticalSince = nil
	}
	if state.warningSince != nil && *state.warningSince > now {
		state.warningSince = nil
	}

	switch softStatus {
	case types.StatusCritical:
		if state.criticalSince == nil {
			state.criticalSince = sinceOf(m.Time)
		}
		if state.warningSince == nil {
			state.warningSince = sinceOf(m.Time)
		}
	case types.StatusWarning:
		state.criticalSince = nil
		if state.warningSince == nil {
			state.warningSince = sinceOf(m.Time)
		}
	default:
		state.criticalSince = nil
		state.warningSince = nil
	}

	var warnDuration, critDuration float64
	if state.warningSince != nil {
		warnDuration = m.Time - *state.warningSince
	}
	if state.criticalSince != nil {
		critDuration = m.Time - *state.criticalSince
	}

	var status types.Status
	switch {
	case critDuration >= Period:
		status = types.StatusCritical
	case warnDuration >= Period:
		status = types.StatusWarning
	case softStatus == types.StatusWarning && lastStatus == types.StatusCritical:
		// Downgrade from critical to warning immediately
		status = types.StatusWarning
	case softStatus == types.StatusOk:
		// Downgrade to ok immediately
		status = types.StatusOk
	default:
		status = lastStatus
	}

	r.softSince[key] = state
	r.l.Unlock()

	return status
}

// checkOutput builds the human description attached to an evaluated sample.
// The bound shown is the one matching the reported status, so a latched ok
// or a critical downgraded to warning still reads consistently.
func checkOutput(value float64, status types.Status, t Threshold, withSoftStatus bool) string {
	if status == types.StatusOk {
		return fmt.Sprintf("Current value: %.2f", value)
	}

	var low, high *float64
	if status == types.StatusWarning {
		low, high = t.LowWarning, t.HighWarning
	} else {
		low, high = t.LowCritical, t.HighCritical
	}

	direction := "above"
	bound := 0.0
	switch {
	case low != nil && value < *low:
		direction = "below"
		bound = *low
	case high != nil:
		bound = *high
	case low != nil:
		direction = "below"
		bound = *low
	}

	if withSoftStatus {
		return fmt.Sprintf(
			"Current value: %.2f\nMetric has been %s threshold (%.2f) for the last 5 minutes.",
			value, direction, bound,
		)
	}
	return fmt.Sprintf("Current value: %.2f\nMetric is %s threshold (%.2f).", value, direction, bound)
}

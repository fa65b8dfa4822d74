// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

func TestPutGet(t *testing.T) {
	s := New()
	now := float64(time.Now().Unix())

	s.Put(types.MetricSample{Measurement: "cpu_used", Time: now, Value: 42})
	s.Put(types.MetricSample{Measurement: "disk_used", Item: "/", Time: now, Value: 10})
	s.Put(types.MetricSample{Measurement: "disk_used", Item: "/home", Time: now, Value: 20})

	m, ok := s.Get(types.MetricKey{Measurement: "disk_used", Item: "/"})
	require.True(t, ok)
	assert.Equal(t, 10.0, m.Value)

	// a second put replaces the value
	s.Put(types.MetricSample{Measurement: "cpu_used", Time: now + 10, Value: 43})
	m, ok = s.Get(types.MetricKey{Measurement: "cpu_used"})
	require.True(t, ok)
	assert.Equal(t, 43.0, m.Value)

	_, ok = s.Get(types.MetricKey{Measurement: "unknown"})
	assert.False(t, ok)

	assert.Equal(t, 3, s.Len())
	assert.Len(t, s.Keys(), 3)
}

func TestPurge(t *testing.T) {
	s := New()
	now := time.Now()
	nowSec := float64(now.Unix())

	s.Put(types.MetricSample{Measurement: "fresh", Time: nowSec, Value: 1})
	s.Put(types.MetricSample{Measurement: "stale", Time: nowSec - MaxAge.Seconds() - 10, Value: 1})
	s.Put(types.MetricSample{Measurement: "deleted_remotely", Time: nowSec, Value: 1})

	s.Purge(now, []types.MetricKey{{Measurement: "deleted_remotely"}})

	_, ok := s.Get(types.MetricKey{Measurement: "fresh"})
	assert.True(t, ok)
	_, ok = s.Get(types.MetricKey{Measurement: "stale"})
	assert.False(t, ok)
	_, ok = s.Get(types.MetricKey{Measurement: "deleted_remotely"})
	assert.False(t, ok)
}

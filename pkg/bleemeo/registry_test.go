// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleemeo/bleemeo-agent/pkg/discovery"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

func newTestState(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return st
}

func TestRegistryRoundTrip(t *testing.T) {
	st := newTestState(t)

	reg, err := NewRegistry(st)
	require.NoError(t, err)

	metricID := MetricID{Label: "mysql_rx", Service: "mysql", Item: "db1"}
	reg.EnsureMetric(metricID, MetricInfo{Instance: "db1"})
	require.NoError(t, reg.SetMetricUUID(metricID, "uuid-metric"))

	serviceKey := discovery.NameInstance{Name: "mysql", Instance: "db1"}
	require.NoError(t, reg.SetService(serviceKey, ServiceRecord{UUID: "uuid-service", PayloadHash: "abcd"}))

	require.NoError(t, reg.SetContainer("db1", ContainerRecord{InspectHash: "beef", UUID: "uuid-container"}))

	high := 80.0
	require.NoError(t, reg.SetThresholds(map[types.MetricKey]threshold.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: &high},
	}))

	reloaded, err := NewRegistry(st)
	require.NoError(t, err)

	uuid, known := reloaded.MetricUUID(metricID)
	require.True(t, known)
	assert.Equal(t, "uuid-metric", uuid)

	info, ok := reloaded.MetricInfoFor(metricID)
	require.True(t, ok)
	assert.Equal(t, "db1", info.Instance)

	services := reloaded.ServicesSnapshot()
	require.Contains(t, services, serviceKey)
	assert.Equal(t, "uuid-service", services[serviceKey].UUID)

	containers := reloaded.ContainersSnapshot()
	require.Contains(t, containers, "db1")
	assert.Equal(t, "beef", containers["db1"].InspectHash)

	thresholds := reloaded.Thresholds()
	require.Contains(t, thresholds, types.MetricKey{Measurement: "cpu_used"})
	assert.Equal(t, 80.0, *thresholds[types.MetricKey{Measurement: "cpu_used"}].HighWarning)
}

func TestMetricTupleForm(t *testing.T) {
	st := newTestState(t)

	reg, err := NewRegistry(st)
	require.NoError(t, err)
	reg.EnsureMetric(MetricID{Label: "cpu_used"}, MetricInfo{})

	// tuple keys are stored as [label, service|null, item|null] rows
	var rows [][2]json.RawMessage
	ok, err := st.Get(stateKeyMetrics, &rows)
	require.NoError(t, err)
	require.True(t, ok)

	found := false
	for _, row := range rows {
		var tuple [3]*string
		require.NoError(t, json.Unmarshal(row[0], &tuple))
		require.NotNil(t, tuple[0])
		if *tuple[0] == "cpu_used" {
			found = true
			assert.Nil(t, tuple[1])
			assert.Nil(t, tuple[2])
			// an unregistered metric has a null uuid
			assert.Equal(t, "null", string(row[1]))
		}
	}
	assert.True(t, found)
}

func TestAgentStatusIsPreSeeded(t *testing.T) {
	st := newTestState(t)

	reg, err := NewRegistry(st)
	require.NoError(t, err)

	uuid, known := reg.MetricUUID(MetricID{Label: "agent_status"})
	require.True(t, known)
	assert.Equal(t, "", uuid)
	assert.Contains(t, reg.UnregisteredMetrics(), MetricID{Label: "agent_status"})
}

func TestTombstone(t *testing.T) {
	st := newTestState(t)

	reg, err := NewRegistry(st)
	require.NoError(t, err)

	id := MetricID{Label: "old_metric"}
	reg.EnsureMetric(id, MetricInfo{})
	require.NoError(t, reg.SetMetricUUID(id, metricDeleted))

	// a tombstoned metric is no longer pending registration
	assert.NotContains(t, reg.UnregisteredMetrics(), id)

	// and EnsureMetric does not resurrect it
	reg.EnsureMetric(id, MetricInfo{})
	uuid, known := reg.MetricUUID(id)
	require.True(t, known)
	assert.Equal(t, metricDeleted, uuid)
}

func TestElasticsearchMigration(t *testing.T) {
	st := newTestState(t)

	rows := [][2]interface{}{
		{[3]interface{}{"elasticsearch_search_time", nil, "es1"}, "uuid-es"},
		{[3]interface{}{"cpu_used", nil, nil}, nil},
	}
	require.NoError(t, st.Set(stateKeyMetrics, rows))

	reg, err := NewRegistry(st)
	require.NoError(t, err)

	uuid, known := reg.MetricUUID(MetricID{Label: "elasticsearch_search_time", Service: "elasticsearch", Item: "es1"})
	require.True(t, known)
	assert.Equal(t, "uuid-es", uuid)

	_, known = reg.MetricUUID(MetricID{Label: "elasticsearch_search_time", Item: "es1"})
	assert.False(t, known, "the old key must be gone")

	_, known = reg.MetricUUID(MetricID{Label: "cpu_used"})
	assert.True(t, known, "other keys are untouched")
}

func TestMigrateDiscoveredServices(t *testing.T) {
	st := newTestState(t)

	raw := json.RawMessage(`[
		[["apache", null], {"address": "127.0.0.1", "port": 80, "protocol": "tcp",
			"exe_path": "/usr/sbin/apache2",
			"extra_ports": {"80/tcp": "0.0.0.0", "53/udp6": "::"}}]
	]`)
	require.NoError(t, st.Set(stateKeyDiscovered, raw))

	require.NoError(t, MigrateDiscoveredServices(st))

	var services discovery.Services
	ok, err := st.Get(stateKeyDiscovered, &services)
	require.NoError(t, err)
	require.True(t, ok)

	svc, ok := services[discovery.NameInstance{Name: "apache"}]
	require.True(t, ok)
	assert.True(t, svc.Active, "missing active defaults to true")
	assert.Equal(t, "", svc.Stack)
	assert.Contains(t, svc.ExtraPorts, "80/tcp")
	assert.NotContains(t, svc.ExtraPorts, "53/udp6", "udp6 entries are dropped")
}

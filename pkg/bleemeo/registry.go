// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/bleemeo/bleemeo-agent/pkg/discovery"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// state keys owned by this package
const (
	stateKeyAgentUUID  = "agent_uuid"
	stateKeyPassword   = "password"
	stateKeyTagsUUID   = "tags_uuid"
	stateKeyMetrics    = "metrics_uuid"
	stateKeyMetricInfo = "metrics_info"
	stateKeyServices   = "services_uuid"
	stateKeyContainers = "docker_container_uuid"
	stateKeyThresholds = "thresholds"
	stateKeyDiscovered = "discovered_services"
)

// metricDeleted is the tombstone stored in place of a registry UUID. It
// suppresses re-registration and drops incoming samples for the metric.
const metricDeleted = "deleted"

// MetricID is the registration identity of a metric. Empty Service and Item
// mean "none" and are encoded as null on disk and on the wire.
type MetricID struct {
	Label   string
	Service string
	Item    string
}

// MetricInfo is the side information needed to build the registration
// payload of a metric.
type MetricInfo struct {
	StatusOf      string `json:"status_of,omitempty"`
	Instance      string `json:"instance,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// ServiceRecord is what is remembered about a registered service.
type ServiceRecord struct {
	UUID        string `json:"uuid"`
	PayloadHash string `json:"payload_hash"`
}

// ContainerRecord is what is remembered about a registered container.
type ContainerRecord struct {
	InspectHash string
	UUID        string
}

// Registry is the persisted view of what the cloud knows about this agent.
// Every mutation is flushed through the state store before returning.
type Registry struct {
	st *state.Store

	l          sync.Mutex
	metrics    map[MetricID]string // "" = known locally, not yet registered
	metricInfo map[MetricID]MetricInfo
	services   map[discovery.NameInstance]ServiceRecord
	containers map[string]ContainerRecord
	thresholds map[types.MetricKey]threshold.Threshold
}

// NewRegistry loads the registry from the state store and applies the
// in-place state migrations.
func NewRegistry(st *state.Store) (*Registry, error) {
	r := &Registry{
		st:         st,
		metrics:    make(map[MetricID]string),
		metricInfo: make(map[MetricID]MetricInfo),
		services:   make(map[discovery.NameInstance]ServiceRecord),
		containers: make(map[string]ContainerRecord),
		thresholds: make(map[types.MetricKey]threshold.Threshold),
	}

	var metrics metricUUIDRows
	if _, err := st.Get(stateKeyMetrics, &metrics); err != nil {
		return nil, err
	}
	r.metrics = metrics.toMap()

	var info metricInfoRows
	if _, err := st.Get(stateKeyMetricInfo, &info); err != nil {
		return nil, err
	}
	r.metricInfo = info.toMap()

	var services serviceRows
	if _, err := st.Get(stateKeyServices, &services); err != nil {
		return nil, err
	}
	r.services = services.toMap()

	var containers map[string][2]string
	if _, err := st.Get(stateKeyContainers, &containers); err != nil {
		return nil, err
	}
	for name, pair := range containers {
		r.containers[name] = ContainerRecord{InspectHash: pair[0], UUID: pair[1]}
	}

	var thresholds thresholdRows
	if _, err := st.Get(stateKeyThresholds, &thresholds); err != nil {
		return nil, err
	}
	r.thresholds = thresholds.toMap()

	if err := r.migrate(); err != nil {
		return nil, err
	}

	// The agent own health metric exists before any sample is seen, so that
	// the MQTT session can start as soon as it is registered.
	r.EnsureMetric(MetricID{Label: "agent_status"}, MetricInfo{})

	return r, nil
}

// migrate applies the idempotent state migrations. None is destructive.
func (r *Registry) migrate() error {
	changed := false

	// elasticsearch_search_time predates service-scoped metrics and must be
	// re-keyed under its service.
	for id, uuid := range r.metrics {
		if id.Label == "elasticsearch_search_time" && id.Service == "" {
			fixed := MetricID{Label: id.Label, Service: "elasticsearch", Item: id.Item}
			delete(r.metrics, id)
			r.metrics[fixed] = uuid
			if info, ok := r.metricInfo[id]; ok {
				delete(r.metricInfo, id)
				r.metricInfo[fixed] = info
			}
			changed = true
		}
	}

	if changed {
		if err := r.saveMetricsLocked(); err != nil {
			return err
		}
	}
	return nil
}

// MigrateDiscoveredServices fixes old discovered-service records in place:
// missing active defaults to true, missing stack to "", and the bogus
// "/udp6" extra port entries written by old releases are dropped.
func MigrateDiscoveredServices(st *state.Store) error {
	var rows [][2]json.RawMessage
	ok, err := st.Get(stateKeyDiscovered, &rows)
	if err != nil || !ok {
		return err
	}

	changed := false
	for i, row := range rows {
		var svc map[string]json.RawMessage
		if err := json.Unmarshal(row[1], &svc); err != nil {
			return errors.Wrap(err, "malformed discovered service entry")
		}
		if _, ok := svc["active"]; !ok {
			svc["active"] = json.RawMessage("true")
			changed = true
		}
		if _, ok := svc["stack"]; !ok {
			svc["stack"] = json.RawMessage(`""`)
			changed = true
		}
		if rawPorts, ok := svc["extra_ports"]; ok {
			var ports map[string]json.RawMessage
			if err := json.Unmarshal(rawPorts, &ports); err == nil {
				for port := range ports {
					if strings.HasSuffix(port, "/udp6") {
						delete(ports, port)
						changed = true
					}
				}
				svc["extra_ports"], _ = json.Marshal(ports)
			}
		}
		rows[i][1], _ = json.Marshal(svc)
	}
	if changed {
		return st.Set(stateKeyDiscovered, rows)
	}
	return nil
}

// AgentUUID returns the registered agent identity, "" before registration.
func (r *Registry) AgentUUID() string {
	return r.st.GetString(stateKeyAgentUUID)
}

// SetAgentUUID persists the agent identity returned at registration.
func (r *Registry) SetAgentUUID(uuid string) error {
	return r.st.Set(stateKeyAgentUUID, uuid)
}

// EnsureMetric records the metric as known locally. An existing UUID or
// tombstone is preserved; the side info is refreshed.
func (r *Registry) EnsureMetric(id MetricID, info MetricInfo) {
	r.l.Lock()
	defer r.l.Unlock()

	changed := false
	if _, known := r.metrics[id]; !known {
		r.metrics[id] = ""
		changed = true
	}
	if old, ok := r.metricInfo[id]; !ok || old != info {
		r.metricInfo[id] = info
		changed = true
	}
	if changed {
		if err := r.saveMetricsLocked(); err != nil {
			log.Warnf("Failed to persist metric registry: %v", err)
		}
	}
}

// MetricUUID returns the registry UUID of a metric. The second return is
// false when the metric is unknown locally. A registered-but-unset metric
// returns ("", true); a tombstoned one returns ("deleted", true).
func (r *Registry) MetricUUID(id MetricID) (string, bool) {
	r.l.Lock()
	defer r.l.Unlock()
	uuid, ok := r.metrics[id]
	return uuid, ok
}

// SetMetricUUID stores the UUID assigned by the registry.
func (r *Registry) SetMetricUUID(id MetricID, uuid string) error {
	r.l.Lock()
	defer r.l.Unlock()
	r.metrics[id] = uuid
	return r.saveMetricsLocked()
}

// DeleteMetric forgets a metric locally. Used when the remote registry
// authoritatively deleted it, or when its side info went stale.
func (r *Registry) DeleteMetric(id MetricID) error {
	r.l.Lock()
	defer r.l.Unlock()
	delete(r.metrics, id)
	delete(r.metricInfo, id)
	return r.saveMetricsLocked()
}

// UnregisteredMetrics returns the identities waiting for registration.
func (r *Registry) UnregisteredMetrics() []MetricID {
	r.l.Lock()
	defer r.l.Unlock()
	out := make([]MetricID, 0)
	for id, uuid := range r.metrics {
		if uuid == "" {
			out = append(out, id)
		}
	}
	return out
}

// MetricsSnapshot returns a copy of the metric registry.
func (r *Registry) MetricsSnapshot() map[MetricID]string {
	r.l.Lock()
	defer r.l.Unlock()
	out := make(map[MetricID]string, len(r.metrics))
	for id, uuid := range r.metrics {
		out[id] = uuid
	}
	return out
}

// MetricInfoFor returns the registration side info of a metric.
func (r *Registry) MetricInfoFor(id MetricID) (MetricInfo, bool) {
	r.l.Lock()
	defer r.l.Unlock()
	info, ok := r.metricInfo[id]
	return info, ok
}

func (r *Registry) saveMetricsLocked() error {
	if err := r.st.Set(stateKeyMetrics, metricRowsFromMap(r.metrics)); err != nil {
		return err
	}
	return r.st.Set(stateKeyMetricInfo, metricInfoRowsFromMap(r.metricInfo))
}

// ServicesSnapshot returns a copy of the registered-service table.
func (r *Registry) ServicesSnapshot() map[discovery.NameInstance]ServiceRecord {
	r.l.Lock()
	defer r.l.Unlock()
	out := make(map[discovery.NameInstance]ServiceRecord, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// SetService stores the record after a successful POST or PUT.
func (r *Registry) SetService(key discovery.NameInstance, rec ServiceRecord) error {
	r.l.Lock()
	defer r.l.Unlock()
	r.services[key] = rec
	return r.st.Set(stateKeyServices, serviceRowsFromMap(r.services))
}

// DeleteService forgets a service locally.
func (r *Registry) DeleteService(key discovery.NameInstance) error {
	r.l.Lock()
	defer r.l.Unlock()
	delete(r.services, key)
	return r.st.Set(stateKeyServices, serviceRowsFromMap(r.services))
}

// ContainersSnapshot returns a copy of the registered-container table.
func (r *Registry) ContainersSnapshot() map[string]ContainerRecord {
	r.l.Lock()
	defer r.l.Unlock()
	out := make(map[string]ContainerRecord, len(r.containers))
	for k, v := range r.containers {
		out[k] = v
	}
	return out
}

// SetContainer stores the record after a successful POST or PUT.
func (r *Registry) SetContainer(name string, rec ContainerRecord) error {
	r.l.Lock()
	defer r.l.Unlock()
	r.containers[name] = rec
	return r.saveContainersLocked()
}

// DeleteContainer forgets a container locally.
func (r *Registry) DeleteContainer(name string) error {
	r.l.Lock()
	defer r.l.Unlock()
	delete(r.containers, name)
	return r.saveContainersLocked()
}

func (r *Registry) saveContainersLocked() error {
	out := make(map[string][2]string, len(r.containers))
	for name, rec := range r.containers {
		out[name] = [2]string{rec.InspectHash, rec.UUID}
	}
	return r.st.Set(stateKeyContainers, out)
}

// SetThresholds persists the threshold table fetched from the registry so
// it survives a restart while offline.
func (r *Registry) SetThresholds(thresholds map[types.MetricKey]threshold.Threshold) error {
	r.l.Lock()
	defer r.l.Unlock()
	r.thresholds = thresholds
	return r.st.Set(stateKeyThresholds, thresholdRowsFromMap(thresholds))
}

// Thresholds returns a copy of the persisted remote thresholds.
func (r *Registry) Thresholds() map[types.MetricKey]threshold.Threshold {
	r.l.Lock()
	defer r.l.Unlock()
	out := make(map[types.MetricKey]threshold.Threshold, len(r.thresholds))
	for k, v := range r.thresholds {
		out[k] = v
	}
	return out
}

// ---- tuple-keyed JSON forms ----
//
// The state file is plain JSON, so maps with composite keys are stored as
// lists of [key_tuple, value] where the tuple is a fixed-length array with
// null for "none".

type metricUUIDRows map[MetricID]string

func metricRowsFromMap(m map[MetricID]string) metricUUIDRows { return m }

func (m metricUUIDRows) MarshalJSON() ([]byte, error) {
	rows := make([][2]interface{}, 0, len(m))
	for id, uuid := range m {
		var v interface{}
		if uuid != "" {
			v = uuid
		}
		rows = append(rows, [2]interface{}{metricIDTuple(id), v})
	}
	return json.Marshal(rows)
}

func (m *metricUUIDRows) UnmarshalJSON(data []byte) error {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(metricUUIDRows, len(rows))
	for _, row := range rows {
		id, err := metricIDFromTuple(row[0])
		if err != nil {
			return err
		}
		var uuid *string
		if err := json.Unmarshal(row[1], &uuid); err != nil {
			return errors.Wrap(err, "malformed metric registry value")
		}
		if uuid != nil {
			out[id] = *uuid
		} else {
			out[id] = ""
		}
	}
	*m = out
	return nil
}

func (m metricUUIDRows) toMap() map[MetricID]string {
	if m == nil {
		return make(map[MetricID]string)
	}
	return m
}

type metricInfoRows map[MetricID]MetricInfo

func metricInfoRowsFromMap(m map[MetricID]MetricInfo) metricInfoRows { return m }

func (m metricInfoRows) MarshalJSON() ([]byte, error) {
	rows := make([][2]interface{}, 0, len(m))
	for id, info := range m {
		rows = append(rows, [2]interface{}{metricIDTuple(id), info})
	}
	return json.Marshal(rows)
}

func (m *metricInfoRows) UnmarshalJSON(data []byte) error {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(metricInfoRows, len(rows))
	for _, row := range rows {
		id, err := metricIDFromTuple(row[0])
		if err != nil {
			return err
		}
		var info MetricInfo
		if err := json.Unmarshal(row[1], &info); err != nil {
			return errors.Wrap(err, "malformed metric info value")
		}
		out[id] = info
	}
	*m = out
	return nil
}

func (m metricInfoRows) toMap() map[MetricID]MetricInfo {
	if m == nil {
		return make(map[MetricID]MetricInfo)
	}
	return m
}

func metricIDTuple(id MetricID) [3]interface{} {
	var t [3]interface{}
	t[0] = id.Label
	if id.Service != "" {
		t[1] = id.Service
	}
	if id.Item != "" {
		t[2] = id.Item
	}
	return t
}

func metricIDFromTuple(raw json.RawMessage) (MetricID, error) {
	var tuple [3]*string
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return MetricID{}, errors.Wrap(err, "malformed metric registry key")
	}
	var id MetricID
	if tuple[0] != nil {
		id.Label = *tuple[0]
	}
	if tuple[1] != nil {
		id.Service = *tuple[1]
	}
	if tuple[2] != nil {
		id.Item = *tuple[2]
	}
	return id, nil
}

type serviceRows map[discovery.NameInstance]ServiceRecord

func serviceRowsFromMap(m map[discovery.NameInstance]ServiceRecord) serviceRows { return m }

func (m serviceRows) MarshalJSON() ([]byte, error) {
	rows := make([][2]interface{}, 0, len(m))
	for key, rec := range m {
		var instance interface{}
		if key.Instance != "" {
			instance = key.Instance
		}
		rows = append(rows, [2]interface{}{[2]interface{}{key.Name, instance}, rec})
	}
	return json.Marshal(rows)
}

func (m *serviceRows) UnmarshalJSON(data []byte) error {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(serviceRows, len(rows))
	for _, row := range rows {
		var tuple [2]*string
		if err := json.Unmarshal(row[0], &tuple); err != nil {
			return errors.Wrap(err, "malformed service registry key")
		}
		var rec ServiceRecord
		if err := json.Unmarshal(row[1], &rec); err != nil {
			return errors.Wrap(err, "malformed service registry value")
		}
		key := discovery.NameInstance{}
		if tuple[0] != nil {
			key.Name = *tuple[0]
		}
		if tuple[1] != nil {
			key.Instance = *tuple[1]
		}
		out[key] = rec
	}
	*m = out
	return nil
}

func (m serviceRows) toMap() map[discovery.NameInstance]ServiceRecord {
	if m == nil {
		return make(map[discovery.NameInstance]ServiceRecord)
	}
	return m
}

type thresholdRows map[types.MetricKey]threshold.Threshold

func thresholdRowsFromMap(m map[types.MetricKey]threshold.Threshold) thresholdRows { return m }

func (m thresholdRows) MarshalJSON() ([]byte, error) {
	rows := make([][2]interface{}, 0, len(m))
	for key, t := range m {
		var item interface{}
		if key.Item != "" {
			item = key.Item
		}
		rows = append(rows, [2]interface{}{[2]interface{}{key.Measurement, item}, t})
	}
	return json.Marshal(rows)
}

func (m *thresholdRows) UnmarshalJSON(data []byte) error {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(thresholdRows, len(rows))
	for _, row := range rows {
		var tuple [2]*string
		if err := json.Unmarshal(row[0], &tuple); err != nil {
			return errors.Wrap(err, "malformed threshold key")
		}
		var t threshold.Threshold
		if err := json.Unmarshal(row[1], &t); err != nil {
			return errors.Wrap(err, "malformed threshold value")
		}
		key := types.MetricKey{}
		if tuple[0] != nil {
			key.Measurement = *tuple[0]
		}
		if tuple[1] != nil {
			key.Item = *tuple[1]
		}
		out[key] = t
	}
	*m = out
	return nil
}

func (m thresholdRows) toMap() map[types.MetricKey]threshold.Threshold {
	if m == nil {
		return make(map[types.MetricKey]threshold.Threshold)
	}
	return m
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package types holds the metric model shared by the whole agent.
package types

import "encoding/json"

// Status is the reported verdict of a metric after threshold evaluation.
type Status int

// statuses, ordered by severity except Unknown
const (
	StatusOk Status = iota
	StatusWarning
	StatusCritical
	StatusUnknown
)

// String returns the API name of the status
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// NagiosCode returns the value used by the *_status derived metrics:
// 0, 1, 2 or 3 for ok, warning, critical and unknown respectively.
func (s Status) NagiosCode() float64 {
	return float64(s)
}

// FromString converts an API status name back to a Status.
func FromString(s string) Status {
	switch s {
	case "ok":
		return StatusOk
	case "warning":
		return StatusWarning
	case "critical":
		return StatusCritical
	default:
		return StatusUnknown
	}
}

// MetricSample is one raw or derived metric point.
//
// Identity for derivation and caching is (Measurement, Item); identity for
// registration against the cloud registry is (Measurement, Service, Item).
type MetricSample struct {
	Measurement string
	// Item discriminates instances within a measurement: a device name, a
	// mount path, a container name... Empty when not applicable.
	Item      string
	Service   string
	Container string
	// StatusOf is set on *_status metrics and names the parent measurement.
	StatusOf string
	Instance string
	// Time is in seconds since epoch (sub-second resolution allowed).
	Time  float64
	Value float64
	// HasStatus tells whether Status carries a threshold verdict.
	HasStatus   bool
	Status      Status
	CheckOutput string
}

// MetricKey is the derivation/cache identity of a sample.
type MetricKey struct {
	Measurement string
	Item        string
}

// Key returns the cache identity of the sample.
func (m MetricSample) Key() MetricKey {
	return MetricKey{Measurement: m.Measurement, Item: m.Item}
}

// wireSample is the JSON shape published on the data topic.
type wireSample struct {
	UUID        string   `json:"uuid"`
	Measurement string   `json:"measurement"`
	Time        float64  `json:"time"`
	Value       float64  `json:"value"`
	Item        string   `json:"item,omitempty"`
	Service     string   `json:"service,omitempty"`
	Container   string   `json:"container,omitempty"`
	StatusOf    string   `json:"status_of,omitempty"`
	Status      *string  `json:"status,omitempty"`
	CheckOutput string   `json:"check_output,omitempty"`
}

// MarshalWire returns the JSON object sent on the MQTT data topic for this
// sample once its registry UUID is known.
func (m MetricSample) MarshalWire(uuid string) json.RawMessage {
	w := wireSample{
		UUID:        uuid,
		Measurement: m.Measurement,
		Time:        m.Time,
		Value:       m.Value,
		Item:        m.Item,
		Service:     m.Service,
		Container:   m.Container,
		StatusOf:    m.StatusOf,
		CheckOutput: m.CheckOutput,
	}
	if m.HasStatus {
		s := m.Status.String()
		w.Status = &s
	}
	buf, _ := json.Marshal(w)
	return buf
}

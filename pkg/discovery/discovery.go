// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package discovery defines the discovered-service model shared between the
// discovery probes and the cloud reconciler. The probes themselves (process
// table, container introspection, netstat parsing) live outside this core.
package discovery

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Protocol is the transport protocol of a service main port.
type Protocol string

// protocols
const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// NameInstance identifies a discovered service. Instance is the container
// name when the service runs inside one, empty for host-level services.
type NameInstance struct {
	Name     string
	Instance string
}

// Service is everything known about one discovered service.
type Service struct {
	Active   bool     `json:"active"`
	ExePath  string   `json:"exe_path"`
	Stack    string   `json:"stack"`
	Address  string   `json:"address"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	// ExtraPorts maps "port/proto" to the listening address.
	ExtraPorts  map[string]string `json:"extra_ports"`
	ContainerID string            `json:"container_id,omitempty"`
}

// Services is the discovered set, persisted in the state store with
// tuple keys encoded in list form.
type Services map[NameInstance]Service

// MarshalJSON encodes the map as a list of [[name, instance|null], service].
func (s Services) MarshalJSON() ([]byte, error) {
	rows := make([][2]interface{}, 0, len(s))
	for key, svc := range s {
		var instance interface{}
		if key.Instance != "" {
			instance = key.Instance
		}
		rows = append(rows, [2]interface{}{
			[2]interface{}{key.Name, instance},
			svc,
		})
	}
	return json.Marshal(rows)
}

// UnmarshalJSON is the reverse of MarshalJSON.
func (s *Services) UnmarshalJSON(data []byte) error {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(Services, len(rows))
	for _, row := range rows {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(row, &pair); err != nil {
			return errors.Wrap(err, "malformed discovered service entry")
		}
		var key [2]*string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return errors.Wrap(err, "malformed discovered service key")
		}
		var svc Service
		if err := json.Unmarshal(pair[1], &svc); err != nil {
			return errors.Wrap(err, "malformed discovered service value")
		}
		ni := NameInstance{}
		if key[0] != nil {
			ni.Name = *key[0]
		}
		if key[1] != nil {
			ni.Instance = *key[1]
		}
		out[ni] = svc
	}
	*s = out
	return nil
}

// Provider is what the reconciler needs from the discovery subsystem.
type Provider interface {
	// Services returns the current discovered set.
	Services() Services
	// LastUpdate returns when the set last changed.
	LastUpdate() time.Time
	// LastAutoremove returns when services were last removed automatically.
	LastAutoremove() time.Time
	// RemoveServices is called when the cloud registry authoritatively
	// deleted services; the provider forgets them locally.
	RemoveServices(keys []NameInstance)
	// Trigger asks for a new discovery run as soon as possible.
	Trigger()
}

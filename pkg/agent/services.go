// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package agent

import (
	"sync"
	"time"

	"github.com/bleemeo/bleemeo-agent/pkg/discovery"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

const discoveredServicesKey = "discovered_services"

// persistedServices is the discovery provider backed by the state store.
// The discovery probes run outside the agent and persist their result under
// the discovered_services key; this provider exposes that set to the
// reconciler and writes authoritative cloud deletions back.
type persistedServices struct {
	st *state.Store

	l              sync.Mutex
	services       discovery.Services
	lastUpdate     time.Time
	lastAutoremove time.Time
}

func newPersistedServices(st *state.Store) *persistedServices {
	p := &persistedServices{
		st:       st,
		services: discovery.Services{},
	}
	p.Reload()
	return p
}

// Reload re-reads the persisted set, picking up what the probes wrote.
func (p *persistedServices) Reload() {
	var services discovery.Services
	ok, err := p.st.Get(discoveredServicesKey, &services)
	if err != nil {
		log.Warnf("Unable to load discovered services: %v", err)
		return
	}
	if !ok {
		services = discovery.Services{}
	}

	p.l.Lock()
	p.services = services
	p.lastUpdate = time.Now()
	p.l.Unlock()
}

// Services returns a copy of the discovered set.
func (p *persistedServices) Services() discovery.Services {
	p.l.Lock()
	defer p.l.Unlock()
	out := make(discovery.Services, len(p.services))
	for k, v := range p.services {
		out[k] = v
	}
	return out
}

// LastUpdate returns when the set last changed.
func (p *persistedServices) LastUpdate() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastUpdate
}

// LastAutoremove returns when services were last removed automatically.
func (p *persistedServices) LastAutoremove() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastAutoremove
}

// RemoveServices forgets services the cloud registry deleted.
func (p *persistedServices) RemoveServices(keys []discovery.NameInstance) {
	p.l.Lock()
	defer p.l.Unlock()
	for _, key := range keys {
		delete(p.services, key)
	}
	p.lastAutoremove = time.Now()
	if err := p.st.Set(discoveredServicesKey, p.services); err != nil {
		log.Warnf("Unable to persist discovered services: %v", err)
	}
}

// Trigger asks for a new discovery run; with external probes this is a
// reload of what they last persisted.
func (p *persistedServices) Trigger() {
	p.Reload()
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package facts gathers host facts sent to the cloud registry. The full
// fact collector is outside this core; this package covers the facts the
// reconciler and publisher depend on (fqdn, OS identity, uptime).
package facts

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// Provider collects and caches host facts.
type Provider struct {
	l          sync.Mutex
	facts      map[string]string
	lastUpdate time.Time
}

// NewProvider returns an empty provider; call Update before first use.
func NewProvider() *Provider {
	return &Provider{facts: make(map[string]string)}
}

// Update re-collects facts. It never fails: unavailable facts are absent.
func (p *Provider) Update() {
	facts := make(map[string]string)

	if fqdn := lookupFQDN(); fqdn != "" {
		facts["fqdn"] = fqdn
	}
	if hostname, err := os.Hostname(); err == nil {
		facts["hostname"] = hostname
	}

	info, err := host.Info()
	if err != nil {
		log.Debugf("Unable to collect host facts: %v", err)
	} else {
		facts["os_name"] = info.Platform
		facts["os_version"] = info.PlatformVersion
		facts["kernel"] = info.OS
		facts["kernel_release"] = info.KernelVersion
		facts["architecture"] = info.KernelArch
		facts["uptime_seconds"] = fmt.Sprintf("%d", info.Uptime)
		facts["virtual"] = info.VirtualizationSystem
	}

	if ip := primaryAddress(); ip != "" {
		facts["primary_address"] = ip
	}

	facts["fact_updated_at"] = time.Now().UTC().Format(time.RFC3339)

	p.l.Lock()
	p.facts = facts
	p.lastUpdate = time.Now()
	p.l.Unlock()
}

// SetFact records one fact provided by an external collector.
func (p *Provider) SetFact(name, value string) {
	p.l.Lock()
	defer p.l.Unlock()
	p.facts[name] = value
	p.lastUpdate = time.Now()
}

// Facts returns a copy of the current fact set.
func (p *Provider) Facts() map[string]string {
	p.l.Lock()
	defer p.l.Unlock()
	out := make(map[string]string, len(p.facts))
	for k, v := range p.facts {
		out[k] = v
	}
	return out
}

// Get returns one fact, "" when absent.
func (p *Provider) Get(name string) string {
	p.l.Lock()
	defer p.l.Unlock()
	return p.facts[name]
}

// LastUpdate returns when facts were last collected.
func (p *Provider) LastUpdate() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastUpdate
}

// FQDN returns the host fully qualified domain name, required before the
// agent can register.
func (p *Provider) FQDN() string { return p.Get("fqdn") }

func lookupFQDN() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return hostname
	}
	for _, addr := range addrs {
		names, err := net.LookupAddr(addr)
		if err != nil || len(names) == 0 {
			continue
		}
		return strings.TrimSuffix(names[0], ".")
	}
	return hostname
}

// primaryAddress returns the source address used to reach the outside.
func primaryAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

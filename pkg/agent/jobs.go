// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package agent

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

func (a *Agent) scheduleJobs(ctx context.Context) {
	a.syncJob = a.sched.Schedule("cloud synchronization", func() {
		if err := a.syncer.Run(ctx); err != nil {
			log.Debugf("Cloud synchronization incomplete: %v", err)
		}
	}, 15*time.Second, 5*time.Second)
	a.factsJob = a.sched.Schedule("facts update", a.facts.Update, 24*time.Hour, 24*time.Hour)
	a.updatesJob = a.sched.Schedule("pending updates count", a.gatherPendingUpdates, 24*time.Hour, time.Minute)
	a.sched.Schedule("service reload", a.reloadServices, 70*time.Minute, 70*time.Minute)
	a.sched.Schedule("cache purge", a.purgeCache, 5*time.Minute, 5*time.Minute)
	a.sched.Schedule("self metrics", a.gatherMetrics, 10*time.Second, 0)
	a.sched.Schedule("top info", a.publishTopInfo, 10*time.Second, 10*time.Second)
	a.sched.Schedule("check triggers", a.checkTriggers, 10*time.Second, 10*time.Second)
	a.sched.Schedule("health check", a.healthCheck, time.Minute, time.Minute)
}

func (a *Agent) purgeCache() {
	a.cache.Purge(time.Now(), a.takeDeletedKeys())
}

// reloadServices picks up services the external probes persisted since the
// last pass, even when no container event announced them.
func (a *Agent) reloadServices() {
	a.services.Reload()
	a.syncer.NotifySyncNow()
	a.sched.Trigger(a.syncJob)
}

// gatherMetrics emits the agent self metrics. They carry discrete values,
// so the soft-status hysteresis is disabled on them.
func (a *Agent) gatherMetrics() {
	now := float64(time.Now().Unix())

	if uptime, err := host.Uptime(); err == nil {
		a.emit(types.MetricSample{
			Measurement: "uptime",
			Time:        now,
			Value:       float64(uptime),
		}, false)
	}

	// 0 is ok: the agent is alive. The cloud derives unreachability from
	// the absence of this metric.
	a.emit(types.MetricSample{
		Measurement: "agent_status",
		Time:        now,
		Value:       types.StatusOk.NagiosCode(),
	}, false)
}

// gatherPendingUpdates reads the package-update counts written by the
// distribution hook and emits them. Thresholds on these metrics come from
// the cloud and a change re-triggers this job.
func (a *Agent) gatherPendingUpdates() {
	path := a.cfg.String("agent.upgrade_file")
	if path == "" {
		return
	}
	fd, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debugf("Unable to read pending updates: %v", err)
		}
		return
	}
	defer fd.Close()

	var counts []float64
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() && len(counts) < 2 {
		v, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
		if err != nil {
			log.Debugf("Malformed pending updates file %s", path)
			return
		}
		counts = append(counts, v)
	}
	if len(counts) != 2 {
		return
	}

	now := float64(time.Now().Unix())
	a.emit(types.MetricSample{Measurement: "system_pending_updates", Time: now, Value: counts[0]}, false)
	a.emit(types.MetricSample{Measurement: "system_pending_security_updates", Time: now, Value: counts[1]}, false)
}

// topInfo is the process-table snapshot published on the top_info topic.
type topInfo struct {
	Time      float64      `json:"time"`
	Uptime    uint64       `json:"uptime"`
	Loads     []float64    `json:"loads"`
	Processes []topProcess `json:"processes"`
}

type topProcess struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Cmdline       string  `json:"cmdline"`
	Username      string  `json:"username"`
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
	CreateTime    float64 `json:"create_time"`
}

func (a *Agent) publishTopInfo() {
	if a.connector == nil || !a.connector.Connected() {
		return
	}

	info := topInfo{Time: float64(time.Now().Unix())}
	if uptime, err := host.Uptime(); err == nil {
		info.Uptime = uptime
	}
	if avg, err := load.Avg(); err == nil {
		info.Loads = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	procs, err := process.Processes()
	if err != nil {
		log.Debugf("Unable to list processes: %v", err)
		return
	}
	info.Processes = make([]topProcess, 0, len(procs))
	for _, p := range procs {
		// per-process failures are expected, processes die while we look
		tp := topProcess{PID: p.Pid}
		tp.Name, _ = p.Name()
		tp.Cmdline, _ = p.Cmdline()
		tp.Username, _ = p.Username()
		if statuses, err := p.Status(); err == nil && len(statuses) > 0 {
			tp.Status = statuses[0]
		}
		tp.CPUPercent, _ = p.CPUPercent()
		tp.MemoryPercent, _ = p.MemoryPercent()
		if created, err := p.CreateTime(); err == nil {
			tp.CreateTime = float64(created) / 1000
		}
		info.Processes = append(info.Processes, tp)
	}

	a.connector.PublishTopInfo(info)
}

// checkTriggers consumes the flags raised by SIGHUP, container events and
// threshold changes, and trigger-runs the corresponding jobs.
func (a *Agent) checkTriggers() {
	if a.triggerDiscovery.Swap(false) {
		// the discovery probes run outside the agent; re-reconcile what
		// they persisted
		a.services.Reload()
		a.syncer.NotifySyncNow()
		a.sched.Trigger(a.syncJob)
	}
	if a.triggerFacts.Swap(false) {
		a.sched.Trigger(a.factsJob)
	}
	if a.triggerUpdates.Swap(false) {
		a.sched.Trigger(a.updatesJob)
	}

	current := [2]threshold.Threshold{}
	current[0], _ = a.thresholds.GetThreshold("system_pending_updates", "")
	current[1], _ = a.thresholds.GetThreshold("system_pending_security_updates", "")

	a.l.Lock()
	changed := !current[0].Equal(a.lastUpdatesThresholds[0]) || !current[1].Equal(a.lastUpdatesThresholds[1])
	a.lastUpdatesThresholds = current
	a.l.Unlock()
	if changed {
		a.sched.Trigger(a.updatesJob)
	}
}

// healthCheck logs queue pressure and the two idleness watchdogs.
func (a *Agent) healthCheck() {
	a.connector.HealthCheck()

	if !a.connector.Connected() {
		if last := a.connector.LastConnected(); !last.IsZero() && time.Since(last) > time.Minute {
			log.Warnf("Bleemeo connection lost since %v", last.Format(time.RFC3339))
		}
	}

	if last := a.server.DataLastSeen(); !last.IsZero() && time.Since(last) > time.Minute {
		log.Warnf("No data received from the collector since %v", last.Format(time.RFC3339))
	}
}

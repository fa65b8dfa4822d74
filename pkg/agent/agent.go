// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package agent assembles the pieces and runs them: configuration, state,
// the ingestion pipeline, the cloud synchronization and the periodic jobs.
package agent

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/bleemeo/bleemeo-agent/pkg/bleemeo"
	"github.com/bleemeo/bleemeo-agent/pkg/config"
	"github.com/bleemeo/bleemeo-agent/pkg/docker"
	"github.com/bleemeo/bleemeo-agent/pkg/facts"
	"github.com/bleemeo/bleemeo-agent/pkg/graphite"
	"github.com/bleemeo/bleemeo-agent/pkg/scheduler"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/store"
	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// shutdownTimeout bounds the time between the terminating signal and
// process exit: 5 seconds of MQTT drain plus slack.
const shutdownTimeout = 6 * time.Second

// Agent owns every subsystem and the main loop.
type Agent struct {
	cfg        *config.Config
	st         *state.Store
	cache      *store.Store
	thresholds *threshold.Registry
	engine     *graphite.Engine
	server     *graphite.Server
	sched      *scheduler.Scheduler
	reg        *bleemeo.Registry
	syncer     *bleemeo.Synchronizer
	connector  *bleemeo.Connector
	facts      *facts.Provider
	containers *docker.Provider
	services   *persistedServices

	syncJob    *scheduler.Job
	factsJob   *scheduler.Job
	updatesJob *scheduler.Job

	triggerDiscovery atomic.Bool
	triggerFacts     atomic.Bool
	triggerUpdates   atomic.Bool

	l           sync.Mutex
	deletedKeys []types.MetricKey
	// last thresholds seen on the pending-updates metrics, a change
	// triggers an immediate re-count
	lastUpdatesThresholds [2]threshold.Threshold
}

// New builds an agent from its configuration file.
func New(configFile string) (*Agent, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load configuration")
	}
	if err := log.SetupFromConfig(
		cfg.String("logging.output"),
		cfg.String("logging.output_file"),
		cfg.String("logging.level"),
	); err != nil {
		return nil, err
	}

	st, err := state.Load(cfg.String("agent.state_file"))
	if err != nil {
		return nil, err
	}
	if err := bleemeo.MigrateDiscoveredServices(st); err != nil {
		return nil, errors.Wrap(err, "unable to migrate state")
	}

	reg, err := bleemeo.NewRegistry(st)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load cloud registry state")
	}

	a := &Agent{
		cfg:   cfg,
		st:    st,
		reg:   reg,
		cache: store.New(),
		sched: scheduler.New(),
		facts: facts.NewProvider(),
	}

	a.thresholds = threshold.New(a.cache, configThresholds(cfg))
	// thresholds fetched on a previous run apply while offline
	a.thresholds.UpdateThresholds(reg.Thresholds())

	a.services = newPersistedServices(st)

	a.engine = graphite.NewEngine(a, a.cache, graphite.Options{
		DFPathIgnore:              cfg.StringList("df.path_ignore"),
		DFHostMountPoint:          cfg.String("df.host_mount_point"),
		NetworkInterfaceBlacklist: cfg.StringList("network_interface_blacklist"),
	})
	listenAddr := net.JoinHostPort(
		cfg.String("graphite.listener.address"),
		strconv.Itoa(cfg.Int("graphite.listener.port")),
	)
	a.server = graphite.NewServer(a.engine, listenAddr)

	return a, nil
}

// configThresholds decodes the static thresholds section. Keys are
// measurement names, without item.
func configThresholds(cfg *config.Config) map[types.MetricKey]threshold.Threshold {
	var raw map[string]threshold.Threshold
	if err := cfg.UnmarshalKey("thresholds", &raw); err != nil {
		log.Warnf("Invalid thresholds section in configuration: %v", err)
		return nil
	}
	out := make(map[types.MetricKey]threshold.Threshold, len(raw))
	for name, t := range raw {
		out[types.MetricKey{Measurement: name}] = t
	}
	return out
}

// EmitMetric is the pipeline entry for canonical samples: threshold
// evaluation, cache update and forwarding to the cloud connector. Samples
// carrying StatusOf are never threshold-evaluated again.
func (a *Agent) EmitMetric(m types.MetricSample) {
	a.emit(m, true)
}

func (a *Agent) emit(m types.MetricSample, withSoftStatus bool) {
	var statusMetric *types.MetricSample
	if m.StatusOf == "" {
		m, statusMetric = a.thresholds.Evaluate(m, withSoftStatus)
	}

	a.cache.Put(m)
	if a.connector != nil {
		a.connector.EmitMetric(m)
	}
	if statusMetric != nil {
		a.cache.Put(*statusMetric)
		if a.connector != nil {
			a.connector.EmitMetric(*statusMetric)
		}
	}
}

// Run starts everything and blocks until a terminating signal.
func (a *Agent) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a bind failure must be fatal before anything else starts
	if err := a.server.Listen(); err != nil {
		return err
	}

	if provider, err := docker.Connect(ctx); err != nil {
		log.Infof("Container engine is not available: %v", err)
	} else {
		a.containers = provider
		if err := provider.Update(ctx); err != nil {
			log.Debugf("Unable to list containers: %v", err)
		}
		go provider.WatchEvents(ctx, func() { a.triggerDiscovery.Store(true) })
	}

	var containerProvider bleemeo.ContainerProvider
	if a.containers != nil {
		containerProvider = a.containers
	}
	a.syncer = bleemeo.NewSynchronizer(
		a.cfg, a.st, a.reg, a.facts, a.services, containerProvider,
		a.thresholds, a.onMetricsDeleted,
	)
	a.connector = bleemeo.NewConnector(a.cfg, a.st, a.reg, a.facts, a.syncer, func() {
		a.sched.Trigger(a.syncJob)
	})

	a.facts.Update()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Run(ctx); err != nil {
			log.Errorf("Collector listener failed: %v", err)
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.connector.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Cloud connector failed: %v", err)
		}
	}()

	a.scheduleJobs(ctx)
	a.sched.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signals)

	log.Info("Agent started")
	for {
		sig := <-signals
		if sig == syscall.SIGHUP {
			log.Info("Reloading on SIGHUP")
			a.triggerDiscovery.Store(true)
			a.triggerFacts.Store(true)
			a.triggerUpdates.Store(true)
			continue
		}
		log.Infof("Signal %v received, shutting down", sig)
		break
	}

	cancel()
	a.sched.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn("Some workers did not stop in time")
	}

	if a.containers != nil {
		a.containers.Close()
	}
	log.Info("Agent stopped")
	log.Flush()
	return nil
}

// onMetricsDeleted receives keys the cloud registry deleted; the purge job
// removes them from the sample cache.
func (a *Agent) onMetricsDeleted(keys []types.MetricKey) {
	a.l.Lock()
	a.deletedKeys = append(a.deletedKeys, keys...)
	a.l.Unlock()
}

func (a *Agent) takeDeletedKeys() []types.MetricKey {
	a.l.Lock()
	defer a.l.Unlock()
	keys := a.deletedKeys
	a.deletedKeys = nil
	return keys
}

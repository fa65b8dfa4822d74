// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package bleemeo connects the agent to the Bleemeo cloud platform: the
// HTTP registration engine and the MQTT publication channel.
package bleemeo

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/bleemeo/bleemeo-agent/pkg/config"
	"github.com/bleemeo/bleemeo-agent/pkg/facts"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

const (
	// intakeQueueSize bounds the samples waiting for their registry UUID.
	intakeQueueSize = 100000

	publishBatchSize = 1000
	batchFirstWait   = 3 * time.Second
	batchNextWait    = 300 * time.Millisecond
	// repushWait avoids a hot spin when every queued sample waits on a
	// registration.
	repushWait = 500 * time.Millisecond

	// notificationMaxSize is a hard cap, larger messages are discarded.
	notificationMaxSize = 64 * 1024

	readyCheckInterval = time.Second
)

// Connector owns the sample intake queue and the MQTT session. Samples
// enter through EmitMetric and leave on the data topic once their metric is
// registered by the Synchronizer.
type Connector struct {
	cfg   *config.Config
	st    *state.Store
	reg   *Registry
	facts *facts.Provider
	sync  *Synchronizer

	// triggerSync runs the synchronization job ahead of schedule, used
	// when the cloud pushes a threshold-update notification.
	triggerSync func()

	intake        chan types.MetricSample
	droppedIntake atomic.Int64

	l             sync.Mutex
	mqtt          *mqttSession
	lastConnected time.Time
}

// NewConnector wires the cloud connector. triggerSync may be nil.
func NewConnector(
	cfg *config.Config,
	st *state.Store,
	reg *Registry,
	factsProvider *facts.Provider,
	syncer *Synchronizer,
	triggerSync func(),
) *Connector {
	return &Connector{
		cfg:         cfg,
		st:          st,
		reg:         reg,
		facts:       factsProvider,
		sync:        syncer,
		triggerSync: triggerSync,
		intake:      make(chan types.MetricSample, intakeQueueSize),
	}
}

func metricIDFor(m types.MetricSample) MetricID {
	return MetricID{Label: m.Measurement, Service: m.Service, Item: m.Item}
}

// EmitMetric accepts one sample for publication. The metric is recorded in
// the registry so the next reconciliation pass registers it; tombstoned
// metrics are dropped silently. Never blocks: when the intake queue is full
// the sample is dropped.
func (c *Connector) EmitMetric(m types.MetricSample) {
	id := metricIDFor(m)
	if uuid, known := c.reg.MetricUUID(id); known && uuid == metricDeleted {
		return
	}
	c.reg.EnsureMetric(id, MetricInfo{
		StatusOf:      m.StatusOf,
		Instance:      m.Instance,
		ContainerName: m.Container,
	})

	select {
	case c.intake <- m:
	default:
		c.droppedIntake.Inc()
	}
}

// Run is the connector main loop: wait until the agent may open the MQTT
// session, connect, then feed the data topic until ctx is cancelled, ending
// with a clean disconnect.
func (c *Connector) Run(ctx context.Context) error {
	if !c.cfg.Bool("bleemeo.enabled") {
		return nil
	}
	if !c.waitReady(ctx) {
		return ctx.Err()
	}

	session, err := newMQTTSession(mqttOptions{
		Broker:         c.cfg.MQTTAddress(),
		AgentUUID:      c.reg.AgentUUID(),
		Password:       c.st.GetString(stateKeyPassword),
		CAFile:         c.cfg.String("bleemeo.mqtt.cafile"),
		SSL:            c.cfg.Bool("bleemeo.mqtt.ssl"),
		SSLInsecure:    c.cfg.Bool("bleemeo.mqtt.ssl_insecure"),
		PublicIP:       func() string { return c.facts.Get("primary_address") },
		OnNotification: c.onNotification,
	})
	if err != nil {
		return err
	}
	c.l.Lock()
	c.mqtt = session
	c.l.Unlock()

	if err := session.Connect(ctx); err != nil {
		return err
	}

	c.worker(ctx)
	session.Disconnect()
	return nil
}

// waitReady blocks until the MQTT session has everything it needs: an agent
// UUID and the agent own health metric registered. Returns false when ctx
// was cancelled first.
func (c *Connector) waitReady(ctx context.Context) bool {
	for {
		if c.reg.AgentUUID() != "" {
			uuid, known := c.reg.MetricUUID(MetricID{Label: "agent_status"})
			if known && uuid != "" && uuid != metricDeleted {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyCheckInterval):
		}
	}
}

// worker drains the intake queue into data-topic batches. A batch is
// published when it reaches publishBatchSize or when the queue stays empty
// for batchNextWait.
func (c *Connector) worker(ctx context.Context) {
	var batch []json.RawMessage

	for ctx.Err() == nil {
		repushed := make(map[MetricID]bool)
		wait := batchFirstWait

	gather:
		for {
			m, ok := c.pop(ctx, wait)
			if !ok {
				break
			}
			wait = batchNextWait

			id := metricIDFor(m)
			uuid, known := c.reg.MetricUUID(id)
			switch {
			case known && uuid == metricDeleted:
				// tombstone, drop silently
			case !known || uuid == "":
				// not registered yet, push back for a later batch
				c.requeue(m)
				if repushed[id] {
					// every remaining sample is waiting on registration
					time.Sleep(repushWait)
					break gather
				}
				repushed[id] = true
			default:
				batch = append(batch, m.MarshalWire(uuid))
				if len(batch) >= publishBatchSize {
					c.publishBatch(&batch)
				}
			}
		}
		c.publishBatch(&batch)
	}

	// Graceful shutdown: samples already accepted are published before the
	// disconnect announcement.
	c.drainIntake(&batch)
}

// drainIntake empties the intake queue without waiting. Samples still
// waiting on a registration cannot be resolved anymore and are dropped.
func (c *Connector) drainIntake(batch *[]json.RawMessage) {
	for {
		select {
		case m := <-c.intake:
			uuid, known := c.reg.MetricUUID(metricIDFor(m))
			if !known || uuid == "" || uuid == metricDeleted {
				continue
			}
			*batch = append(*batch, m.MarshalWire(uuid))
			if len(*batch) >= publishBatchSize {
				c.publishBatch(batch)
			}
		default:
			c.publishBatch(batch)
			return
		}
	}
}

func (c *Connector) pop(ctx context.Context, timeout time.Duration) (types.MetricSample, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-c.intake:
		return m, true
	case <-timer.C:
		return types.MetricSample{}, false
	case <-ctx.Done():
		return types.MetricSample{}, false
	}
}

func (c *Connector) requeue(m types.MetricSample) {
	select {
	case c.intake <- m:
	default:
		c.droppedIntake.Inc()
	}
}

func (c *Connector) publishBatch(batch *[]json.RawMessage) {
	if len(*batch) == 0 {
		return
	}
	buf, err := json.Marshal(*batch)
	*batch = (*batch)[:0]
	if err != nil {
		log.Debugf("Unable to serialize data batch: %v", err)
		return
	}
	if !c.mqtt.Publish(c.mqtt.opts.topic("data"), buf, false) {
		log.Debugf("MQTT queue is full, a batch of samples was dropped")
	}
}

// PublishTopInfo sends the per-process snapshot, zlib-compressed.
func (c *Connector) PublishTopInfo(topinfo interface{}) {
	c.l.Lock()
	session := c.mqtt
	c.l.Unlock()
	if session == nil || !session.Connected() {
		return
	}

	buf, err := json.Marshal(topinfo)
	if err != nil {
		log.Debugf("Unable to serialize top_info: %v", err)
		return
	}
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(buf); err != nil {
		log.Debugf("Unable to compress top_info: %v", err)
		return
	}
	if err := w.Close(); err != nil {
		log.Debugf("Unable to compress top_info: %v", err)
		return
	}
	session.Publish(session.opts.topic("top_info"), compressed.Bytes(), false)
}

// onNotification handles server-pushed messages on the notification topic.
func (c *Connector) onNotification(payload []byte) {
	if len(payload) >= notificationMaxSize {
		log.Debugf("Notification of %d bytes discarded", len(payload))
		return
	}
	var msg struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Debugf("Malformed notification discarded: %v", err)
		return
	}
	if msg.MessageType == "threshold-update" {
		log.Debug("Threshold update notification received")
		c.sync.NotifySyncNow()
		if c.triggerSync != nil {
			c.triggerSync()
		}
	}
}

// Connected reports whether the MQTT session is currently established.
func (c *Connector) Connected() bool {
	c.l.Lock()
	session := c.mqtt
	c.l.Unlock()
	return session != nil && session.Connected()
}

// HealthCheck is a periodic job logging queue pressure, and remembers the
// last time the session was connected for the connection watchdog.
func (c *Connector) HealthCheck() {
	c.l.Lock()
	session := c.mqtt
	c.l.Unlock()
	if session == nil {
		return
	}

	if session.Connected() {
		c.l.Lock()
		c.lastConnected = time.Now()
		c.l.Unlock()
	}

	depth := session.PendingDepth()
	switch {
	case depth >= maxPublishQueue:
		log.Warnf("MQTT publish queue is full (%d messages), new messages are dropped", depth)
	case depth > 10:
		log.Infof("%d messages are waiting to be sent to MQTT", depth)
	}

	if dropped := c.droppedIntake.Swap(0); dropped > 0 {
		log.Warnf("%d samples were dropped, the intake queue is full", dropped)
	}
}

// LastConnected returns the last time the health check saw an established
// session. Zero before the first connection.
func (c *Connector) LastConnected() time.Time {
	c.l.Lock()
	defer c.l.Unlock()
	return c.lastConnected
}

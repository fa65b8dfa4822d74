// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package graphite

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

// lockedEmitter is a testEmitter safe for use from the server goroutines.
type lockedEmitter struct {
	l sync.Mutex
	*testEmitter
}

func (e *lockedEmitter) EmitMetric(m types.MetricSample) {
	e.l.Lock()
	defer e.l.Unlock()
	e.testEmitter.EmitMetric(m)
}

func (e *lockedEmitter) find(measurement, item string) (types.MetricSample, bool) {
	e.l.Lock()
	defer e.l.Unlock()
	return e.get(measurement, item)
}

func TestServerReceivesLines(t *testing.T) {
	engine, base := newTestEngine(Options{})
	emitter := &lockedEmitter{testEmitter: base}
	engine.emitter = emitter

	server := NewServer(engine, "127.0.0.1:0")
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx) //nolint:errcheck
	}()

	conn, err := net.Dial("tcp", server.listener.Addr().String())
	require.NoError(t, err)

	// the second line arrives split across two writes
	_, err = conn.Write([]byte("h.cpu.cpu-user 20 1000\nh.cpu.cpu-"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("system 10 1000\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := emitter.find("cpu_system", "")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	m, ok := emitter.find("cpu_user", "")
	require.True(t, ok)
	assert.Equal(t, 20.0, m.Value)

	assert.False(t, server.DataLastSeen().IsZero())

	conn.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerDataLastSeenStartsZero(t *testing.T) {
	engine, _ := newTestEngine(Options{})
	server := NewServer(engine, "127.0.0.1:0")
	assert.True(t, server.DataLastSeen().IsZero())
}

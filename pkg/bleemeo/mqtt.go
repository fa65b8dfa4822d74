// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

const (
	// maxPublishQueue bounds the in-flight publishes. Only the clean
	// shutdown disconnect announcement may bypass it.
	maxPublishQueue = 2000

	maxReconnectInterval = 60 * time.Second
	disconnectDrainDelay = 5 * time.Second
)

// mqttOptions configures one broker session.
type mqttOptions struct {
	Broker         string
	AgentUUID      string
	Password       string
	CAFile         string
	SSL            bool
	SSLInsecure    bool
	PublicIP       func() string
	OnNotification func(payload []byte)
}

// mqttSession is the reliable publication channel to the broker: QoS 1
// everywhere, last-will on the disconnect topic, bounded publish queue.
type mqttSession struct {
	opts   mqttOptions
	client paho.Client

	pending   atomic.Int32
	connected atomic.Bool
}

func (o mqttOptions) topic(suffix string) string {
	return "v1/agent/" + o.AgentUUID + "/" + suffix
}

func newMQTTSession(opts mqttOptions) (*mqttSession, error) {
	s := &mqttSession{opts: opts}

	will, _ := json.Marshal(map[string]string{"disconnect-cause": "disconnect-will"})

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.AgentUUID).
		SetUsername(opts.AgentUUID + authDomain).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetBinaryWill(s.opts.topic("disconnect"), will, 1, false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	if opts.SSL {
		tlsConfig, err := tlsConfigFor(opts)
		if err != nil {
			return nil, err
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}

	s.client = paho.NewClient(pahoOpts)
	return s, nil
}

func tlsConfigFor(opts mqttOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.SSLInsecure, //nolint:gosec
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read MQTT CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificate found in %s", opts.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx is cancelled. Reconnections after a drop are handled by
// the session itself.
func (s *mqttSession) Connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxReconnectInterval
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Debugf("Unable to connect to MQTT broker: %v", err)
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

func (s *mqttSession) onConnect(_ paho.Client) {
	s.connected.Store(true)
	log.Info("MQTT connection established")

	payload := map[string]interface{}{"public_ip": nil}
	if s.opts.PublicIP != nil {
		if ip := s.opts.PublicIP(); ip != "" {
			payload["public_ip"] = ip
		}
	}
	buf, _ := json.Marshal(payload)
	s.Publish(s.opts.topic("connect"), buf, false)

	s.client.Subscribe(s.opts.topic("notification"), 1, func(_ paho.Client, msg paho.Message) {
		if s.opts.OnNotification != nil {
			s.opts.OnNotification(msg.Payload())
		}
	})
}

func (s *mqttSession) onConnectionLost(_ paho.Client, err error) {
	s.connected.Store(false)
	log.Infof("MQTT connection lost: %v", err)
}

// Connected reports whether the session currently has a broker connection.
func (s *mqttSession) Connected() bool {
	return s.connected.Load() && s.client.IsConnectionOpen()
}

// PendingDepth returns the number of publishes awaiting a broker ack.
func (s *mqttSession) PendingDepth() int {
	return int(s.pending.Load())
}

// Publish enqueues one QoS 1 message. When the queue is at capacity the
// message is dropped, unless force is set. Returns whether the message was
// accepted.
func (s *mqttSession) Publish(topic string, payload []byte, force bool) bool {
	if !force && s.pending.Load() >= maxPublishQueue {
		return false
	}
	s.pending.Inc()

	token := s.client.Publish(topic, 1, false, payload)
	go func() {
		token.Wait()
		s.pending.Dec()
		if err := token.Error(); err != nil {
			log.Debugf("MQTT publish on %s failed: %v", topic, err)
		}
	}()
	return true
}

// Disconnect announces a clean shutdown, drains pending publishes for up to
// 5 seconds, then closes the session.
func (s *mqttSession) Disconnect() {
	if s.client.IsConnectionOpen() {
		cause, _ := json.Marshal(map[string]string{"disconnect-cause": "Clean shutdown"})
		s.Publish(s.opts.topic("disconnect"), cause, true)
	}

	deadline := time.Now().Add(disconnectDrainDelay)
	for s.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	s.client.Disconnect(1000)
	s.connected.Store(false)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "state.json", cfg.String("agent.state_file"))
	assert.Equal(t, "https://api.bleemeo.com/", cfg.String("bleemeo.api_base"))
	assert.Equal(t, 2003, cfg.Int("graphite.listener.port"))
	assert.True(t, cfg.Bool("bleemeo.mqtt.ssl"))
	assert.Contains(t, cfg.StringList("network_interface_blacklist"), "docker")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.conf")
	content := []byte("bleemeo:\n  account_id: acc-42\nthresholds:\n  cpu_used:\n    high_warning: 80\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "acc-42", cfg.String("bleemeo.account_id"))

	var thresholds map[string]struct {
		HighWarning *float64 `mapstructure:"high_warning"`
	}
	require.NoError(t, cfg.UnmarshalKey("thresholds", &thresholds))
	require.Contains(t, thresholds, "cpu_used")
	require.NotNil(t, thresholds["cpu_used"].HighWarning)
	assert.Equal(t, 80.0, *thresholds["cpu_used"].HighWarning)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	assert.NoError(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLEEMEO_AGENT_ACCOUNT", "acc-env")
	t.Setenv("BLEEMEO_AGENT_MQTT_PORT", "1883")
	t.Setenv("BLEEMEO_AGENT_MQTT_SSL", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "acc-env", cfg.String("bleemeo.account_id"))
	assert.Equal(t, 1883, cfg.Int("bleemeo.mqtt.port"))
	assert.False(t, cfg.Bool("bleemeo.mqtt.ssl"))
}

func TestMQTTAddress(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ssl://mqtt.bleemeo.com:8883", cfg.MQTTAddress())

	cfg.Set("bleemeo.mqtt.ssl", false)
	cfg.Set("bleemeo.mqtt.host", "localhost")
	cfg.Set("bleemeo.mqtt.port", 1883)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTAddress())
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package config handles the agent configuration: built-in defaults, an
// optional YAML file and BLEEMEO_AGENT_* environment overrides.
package config

import (
	"os"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config is the agent configuration accessor.
type Config struct {
	v *viper.Viper
}

// envOverrides maps BLEEMEO_AGENT_* variables to config keys. Override
// values replace the corresponding config keys at startup.
var envOverrides = map[string]string{
	"BLEEMEO_AGENT_ACCOUNT":          "bleemeo.account_id",
	"BLEEMEO_AGENT_REGISTRATION_KEY": "bleemeo.registration_key",
	"BLEEMEO_AGENT_API_BASE":         "bleemeo.api_base",
	"BLEEMEO_AGENT_MQTT_HOST":        "bleemeo.mqtt.host",
	"BLEEMEO_AGENT_MQTT_PORT":        "bleemeo.mqtt.port",
	"BLEEMEO_AGENT_MQTT_SSL":         "bleemeo.mqtt.ssl",
	"BLEEMEO_AGENT_LOGGING_LEVEL":    "logging.level",
	"BLEEMEO_AGENT_LOGGING_OUTPUT":   "logging.output",
}

// intEnvKeys / boolEnvKeys list the overrides that are not plain strings.
var (
	intEnvKeys  = map[string]bool{"bleemeo.mqtt.port": true}
	boolEnvKeys = map[string]bool{"bleemeo.mqtt.ssl": true}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.state_file", "state.json")
	v.SetDefault("agent.netstat_file", "netstat.out")
	v.SetDefault("agent.upgrade_file", "upgrade")
	v.SetDefault("agent.public_ip_indicator", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.output", "console")
	v.SetDefault("logging.output_file", "")

	v.SetDefault("bleemeo.enabled", true)
	v.SetDefault("bleemeo.account_id", "")
	v.SetDefault("bleemeo.registration_key", "")
	v.SetDefault("bleemeo.api_base", "https://api.bleemeo.com/")
	v.SetDefault("bleemeo.mqtt.host", "mqtt.bleemeo.com")
	v.SetDefault("bleemeo.mqtt.port", 8883)
	v.SetDefault("bleemeo.mqtt.ssl", true)
	v.SetDefault("bleemeo.mqtt.cafile", "")
	v.SetDefault("bleemeo.mqtt.ssl_insecure", false)

	v.SetDefault("graphite.listener.address", "127.0.0.1")
	v.SetDefault("graphite.listener.port", 2003)

	v.SetDefault("df.path_ignore", []string{})
	v.SetDefault("df.host_mount_point", "")
	v.SetDefault("network_interface_blacklist", []string{"docker", "lo", "veth", "virbr", "vnet", "isatap"})

	v.SetDefault("tags", []string{})
	v.SetDefault("thresholds", map[string]interface{}{})

	v.SetDefault("container.type", "")
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. A missing file is not an error; a malformed one is.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, err
			}
		}
	}

	for env, key := range envOverrides {
		raw, found := os.LookupEnv(env)
		if !found {
			continue
		}
		switch {
		case intEnvKeys[key]:
			v.Set(key, cast.ToInt(raw))
		case boolEnvKeys[key]:
			v.Set(key, cast.ToBool(raw))
		default:
			v.Set(key, raw)
		}
	}

	return &Config{v: v}, nil
}

// String returns the string value for key.
func (c *Config) String(key string) string { return c.v.GetString(key) }

// Int returns the int value for key.
func (c *Config) Int(key string) int { return c.v.GetInt(key) }

// Bool returns the bool value for key.
func (c *Config) Bool(key string) bool { return c.v.GetBool(key) }

// StringList returns the string-slice value for key.
func (c *Config) StringList(key string) []string { return c.v.GetStringSlice(key) }

// Sub returns the raw map under key, empty when unset.
func (c *Config) Sub(key string) map[string]interface{} {
	m := c.v.GetStringMap(key)
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// UnmarshalKey decodes the value under key into rawVal.
func (c *Config) UnmarshalKey(key string, rawVal interface{}) error {
	return c.v.UnmarshalKey(key, rawVal)
}

// Set overrides a value. Used by tests and by the SIGHUP reload path.
func (c *Config) Set(key string, value interface{}) { c.v.Set(key, value) }

// MQTTAddress returns the host:port of the MQTT broker.
func (c *Config) MQTTAddress() string {
	host := c.String("bleemeo.mqtt.host")
	port := c.Int("bleemeo.mqtt.port")
	scheme := "tcp"
	if c.Bool("bleemeo.mqtt.ssl") {
		scheme = "ssl"
	}
	return scheme + "://" + host + ":" + cast.ToString(port)
}

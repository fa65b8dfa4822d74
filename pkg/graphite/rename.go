// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package graphite

import (
	"regexp"
	"strings"

	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

// Collectd naming schema, after carbon turned "/" into ".".
// Examples: cpu.cpu-idle, df-var-lib.df_complex-free, disk-sda.disk_octets.read
var collectdRegex = regexp.MustCompile(
	`^(?P<plugin>[^-.]+)(-(?P<plugin_instance>[^.]+))?\.` +
		`(?P<type>[^.-]+)([.-](?P<type_instance>.+))?`,
)

// diskstatsNames maps the legacy text-collector fields. Sector counts are
// converted to bytes by the caller (sectors are 512 bytes).
var diskstatsNames = map[string]string{
	"reads_merged":             "io_read_merged",
	"reading_milliseconds":     "io_read_time",
	"reads_completed":          "io_reads",
	"writes_completed":         "io_writes",
	"sectors_read":             "io_read_bytes",
	"writing_milliseconds":     "io_write_time",
	"sectors_written":          "io_write_bytes",
	"io_milliseconds_weighted": "io_time_weighted",
	"io_milliseconds":          "io_time",
	"io_inprogress":            "io_inprogress",
}

// loadNames maps collectd load durations.
var loadNames = map[string]string{
	"longterm":  "system_load15",
	"midterm":   "system_load5",
	"shortterm": "system_load1",
}

// servicePlugins are collectd plugins whose metrics are scoped to a
// discovered service when their plugin instance carries the "bleemeo-"
// marker written by the collector config-writer.
var servicePlugins = map[string]bool{
	"apache":     true,
	"mysql":      true,
	"postgresql": true,
	"redis":      true,
}

const serviceInstanceMarker = "bleemeo-"

type collectdName struct {
	plugin         string
	pluginInstance string
	typ            string
	typeInstance   string
}

func parseCollectdName(name string) (collectdName, bool) {
	match := collectdRegex.FindStringSubmatch(name)
	if match == nil {
		return collectdName{}, false
	}
	var out collectdName
	for i, groupName := range collectdRegex.SubexpNames() {
		switch groupName {
		case "plugin":
			out.plugin = match[i]
		case "plugin_instance":
			out.pluginInstance = match[i]
		case "type":
			out.typ = match[i]
		case "type_instance":
			out.typeInstance = match[i]
		}
	}
	return out, true
}

// rename turns one raw collectd sample into canonical samples plus derived
// computation tokens. It returns nothing when the name is unknown or the
// sample is filtered out; it never fails.
func (e *Engine) rename(name string, timestamp, value float64) ([]types.MetricSample, []computation) {
	n, ok := parseCollectdName(name)
	if !ok {
		return nil, nil
	}

	sample := func(measurement, item string) types.MetricSample {
		return types.MetricSample{
			Measurement: measurement,
			Item:        item,
			Time:        timestamp,
			Value:       value,
		}
	}

	switch {
	case n.plugin == "cpu" && n.typ == "cpu":
		out := []types.MetricSample{sample("cpu_"+n.typeInstance, "")}
		if n.typeInstance == "idle" {
			used := sample("cpu_used", "")
			used.Value = 100 - value
			out = append(out, used)
		}
		return out, []computation{{name: "cpu_other", time: timestamp}}

	case n.typ == "df_complex":
		path, ok := e.dfPath(n.pluginInstance)
		if !ok {
			return nil, nil
		}
		return []types.MetricSample{sample("disk_"+n.typeInstance, path)},
			[]computation{{name: "disk_total", item: path, time: timestamp}}

	case n.plugin == "disk":
		switch {
		case n.typ == "io_time" && n.typeInstance == "":
			util := sample("io_utilization", n.pluginInstance)
			// io_time is the number of ms spent doing IO per second;
			// 1000 ms/s is 100%.
			util.Value = value / 10
			return []types.MetricSample{sample("io_time", n.pluginInstance), util}, nil
		case n.typ == "disk_octets" && n.typeInstance == "read":
			return []types.MetricSample{sample("io_read_bytes", n.pluginInstance)}, nil
		case n.typ == "disk_octets" && n.typeInstance == "write":
			return []types.MetricSample{sample("io_write_bytes", n.pluginInstance)}, nil
		}
		return nil, nil

	case n.plugin == "diskstats":
		newName, ok := diskstatsNames[n.typeInstance]
		if !ok {
			return nil, nil
		}
		s := sample(newName, n.pluginInstance)
		if newName == "io_read_bytes" || newName == "io_write_bytes" {
			// legacy source reports sectors
			s.Value = value * 512
		}
		out := []types.MetricSample{s}
		if newName == "io_time" {
			util := sample("io_utilization", n.pluginInstance)
			util.Value = value / 10
			out = append(out, util)
		}
		return out, nil

	case n.plugin == "interface":
		if e.interfaceBlacklisted(n.pluginInstance) {
			return nil, nil
		}
		var kind string
		switch n.typ {
		case "if_octets":
			kind = "bits"
		case "if_errors":
			kind = "err"
		case "if_packets":
			kind = "packets"
		default:
			return nil, nil
		}
		direction := "sent"
		if n.typeInstance == "rx" {
			direction = "recv"
		}
		// errors use in/out rather than recv/sent
		if kind == "err" {
			if direction == "recv" {
				direction = "in"
			} else {
				direction = "out"
			}
		}
		s := sample("net_"+kind+"_"+direction, n.pluginInstance)
		if kind == "bits" {
			s.Value = value * 8
		}
		return []types.MetricSample{s}, nil

	case n.plugin == "load":
		newName, ok := loadNames[n.typeInstance]
		if !ok {
			return nil, nil
		}
		return []types.MetricSample{sample(newName, "")}, nil

	case n.plugin == "memory":
		return []types.MetricSample{sample("mem_"+n.typeInstance, "")},
			[]computation{{name: "mem_total", time: timestamp}}

	case n.plugin == "processes" && n.typ == "fork_rate":
		return []types.MetricSample{sample("process_fork_rate", "")}, nil

	case n.plugin == "processes" && n.typ == "ps_state":
		return []types.MetricSample{sample("process_status_"+n.typeInstance, "")},
			[]computation{{name: "process_total", time: timestamp}}

	case n.plugin == "swap" && n.typ == "swap":
		return []types.MetricSample{sample("swap_"+n.typeInstance, "")},
			[]computation{{name: "swap_total", time: timestamp}}

	case n.plugin == "swap" && n.typ == "swap_io":
		return []types.MetricSample{sample("swap_"+n.typeInstance, "")}, nil

	case n.plugin == "users" && n.typ == "users":
		return []types.MetricSample{sample("users_logged", "")}, nil

	case n.plugin == "ntpd":
		if n.typ != "time_offset" || n.typeInstance != "loop" {
			return nil, nil
		}
		s := sample("ntp_time_offset", "")
		s.Value = value / 1000 // reported in ms
		s.Service = "ntp"
		return []types.MetricSample{s}, nil

	case servicePlugins[n.plugin] && strings.HasPrefix(n.pluginInstance, serviceInstanceMarker):
		measurement := n.plugin + "_" + n.typ
		if n.typeInstance != "" {
			measurement = n.plugin + "_" + n.typeInstance
		}
		instance := strings.TrimPrefix(n.pluginInstance, serviceInstanceMarker)
		s := sample(measurement, instance)
		s.Service = n.plugin
		s.Instance = instance
		return []types.MetricSample{s}, nil
	}

	return nil, nil
}

// dfPath canonicalizes a df plugin instance into a mount path and applies
// the ignore list and the container-view host mount-point filter.
func (e *Engine) dfPath(pluginInstance string) (string, bool) {
	path := "/"
	if pluginInstance != "root" {
		path = "/" + strings.ReplaceAll(pluginInstance, "-", "/")
	}

	for _, prefix := range e.opts.DFPathIgnore {
		if strings.HasPrefix(path, prefix) {
			return "", false
		}
	}

	if e.opts.DFHostMountPoint != "" {
		if !strings.HasPrefix(path, e.opts.DFHostMountPoint) {
			return "", false
		}
		path = strings.TrimPrefix(path, e.opts.DFHostMountPoint)
		if path == "" {
			path = "/"
		}
	}

	return path, true
}

func (e *Engine) interfaceBlacklisted(iface string) bool {
	for _, prefix := range e.opts.NetworkInterfaceBlacklist {
		if strings.HasPrefix(iface, prefix) {
			return true
		}
	}
	return false
}

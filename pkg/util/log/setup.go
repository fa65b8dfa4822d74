// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package log

import (
	"fmt"

	"github.com/cihub/seelog"
)

const seelogConfigTemplate = `<seelog minlevel="%[1]s">
	<outputs formatid="common">%[2]s</outputs>
	<formats>
		<format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/>
	</formats>
</seelog>`

// BuildLogger returns a seelog logger writing to the requested output.
// Supported outputs are "console" and "file"; anything else falls back to
// console.
func BuildLogger(output, filename, level string) (seelog.LoggerInterface, error) {
	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}

	var sink string
	switch output {
	case "file":
		sink = fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="1"/>`, filename)
	default:
		sink = `<console/>`
	}

	cfg := fmt.Sprintf(seelogConfigTemplate, lvl.String(), sink)
	return seelog.LoggerFromConfigAsString(cfg)
}

// SetupFromConfig builds and installs the logger singleton.
func SetupFromConfig(output, filename, level string) error {
	l, err := BuildLogger(output, filename, level)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

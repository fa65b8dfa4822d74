// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bleemeo/bleemeo-agent/pkg/agent"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "bleemeo-agent",
		Short:        "Monitoring agent for the Bleemeo cloud platform",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := agent.New(configFile)
			if err != nil {
				return err
			}
			return a.Run()
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/bleemeo/agent.conf", "configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

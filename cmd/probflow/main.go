// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// probflow fits Bayesian models to tabular data from the command line, and reports the posterior of
// their parameters.
//
// Example:
//
//	probflow fit --data=data.csv --x=a,b --y=target --family=normal --epochs=200 \
//		--set="adam_beta1=0.8" --calibration-plot=calibration.png
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Version of the probflow command line, set at build time with -ldflags "-X main.Version=...".
var Version = "v0.1.0-dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "probflow",
		Short:         "Fit Bayesian models to tabular data with stochastic variational inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.AddCommand(newFitCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of probflow",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			goVersion := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok {
				goVersion = info.GoVersion
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "probflow %s (%s)\n", Version, goVersion)
		},
	}
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

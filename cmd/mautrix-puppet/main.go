// Copyright 2024-2026 Aiku AI

// Command mautrix-puppet runs a Matrix puppet bridge: it logs into Matrix
// as the configured user and relays conversations to and from a
// third-party network adapter, mirroring rooms and participants.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "mautrix-puppet",
	Short:   "A Matrix puppeting bridge core",
	Version: Tag,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the bridge config file")
	rootCmd.AddCommand(runCmd, generateRegistrationCmd)
}

func newLogger() zerolog.Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)
	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-puppet/pkg/bridge"
)

var generateRegistrationCmd = &cobra.Command{
	Use:   "generate-registration",
	Short: "Generate the appservice registration file for the homeserver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return generateRegistration(cfg)
	},
}

// generateRegistration writes an appservice registration claiming the
// ghost user and room alias namespaces for this service prefix.
func generateRegistration(cfg *bridge.Config) error {
	reg := appservice.CreateRegistration()
	reg.ID = "puppet-" + cfg.ServicePrefix + "-" + random.String(16)
	reg.SenderLocalpart = cfg.ServicePrefix + "bot"
	reg.URL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	reg.Namespaces.UserIDs.Register(
		regexp.MustCompile(fmt.Sprintf(`^@%s_.*:%s$`, regexp.QuoteMeta(cfg.ServicePrefix), regexp.QuoteMeta(cfg.HomeserverDomain))),
		true,
	)
	reg.Namespaces.RoomAliases.Register(
		regexp.MustCompile(fmt.Sprintf(`^#%s_.*:%s$`, regexp.QuoteMeta(cfg.ServicePrefix), regexp.QuoteMeta(cfg.HomeserverDomain))),
		true,
	)
	if err := reg.Save(cfg.RegistrationPath); err != nil {
		return fmt.Errorf("failed to write registration: %w", err)
	}
	fmt.Printf("Wrote appservice registration to %s\n", cfg.RegistrationPath)
	return nil
}

// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-puppet/pkg/bridge"
	"github.com/aiku/mautrix-puppet/pkg/bridge/mxsession"
	"github.com/aiku/mautrix-puppet/pkg/bridge/remotestore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge with the configured identity pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runBridge(cmd.Context(), cfg, newLogger())
	},
}

// newAdapter is the hook where a real network module plugs in. The
// default loopback adapter bounces every outgoing payload straight back
// as an own-account echo, which exercises the full relay pipeline
// (including tag-based suppression) against a live homeserver.
var newAdapter = func(pair bridge.IdentityPair, log zerolog.Logger) (bridge.Adapter, error) {
	return &loopbackAdapter{log: log}, nil
}

// bridgeBinder is implemented by adapters that deliver inbound payloads
// themselves and therefore need the engine handle after wiring.
type bridgeBinder interface {
	BindBridge(b *bridge.Bridge)
}

func runBridge(ctx context.Context, cfg *bridge.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := appservice.LoadRegistration(cfg.RegistrationPath)
	if err != nil {
		return fmt.Errorf("failed to load registration (run generate-registration first): %w", err)
	}

	storePath := cfg.UserStorePath
	if storePath == "" {
		storePath = "mautrix-puppet.db"
	}
	users, err := remotestore.Open(storePath)
	if err != nil {
		return err
	}
	defer users.Close()

	provider := mxsession.NewProvider(cfg.HomeserverURL, reg.AppToken, log)
	botUserID := id.NewUserID(reg.SenderLocalpart, cfg.HomeserverDomain)
	if err := provider.EnsureRegistered(ctx, botUserID); err != nil {
		return err
	}
	bot := provider.ActAs(botUserID)

	group, ctx := errgroup.WithContext(ctx)
	for _, pair := range cfg.IdentityPairs {
		pairLog := log.With().Str("identity_pair", pair.ID).Logger()
		puppetUserID := id.NewUserID(pair.MatrixPuppet.Localpart, cfg.HomeserverDomain)
		puppet, err := mxsession.NewPuppet(ctx, cfg.HomeserverURL, puppetUserID,
			pair.MatrixPuppet.Token, pair.MatrixPuppet.Password, pairLog)
		if err != nil {
			return fmt.Errorf("identity pair %q: %w", pair.ID, err)
		}

		adapter, err := newAdapter(pair, pairLog)
		if err != nil {
			return fmt.Errorf("identity pair %q: failed to create adapter: %w", pair.ID, err)
		}
		b, err := bridge.New(bridge.Params{
			Config:  cfg,
			Pair:    pair,
			Puppet:  puppet,
			Bot:     bot,
			Ghosts:  provider,
			Adapter: adapter,
			Users:   users,
			Log:     pairLog,
		})
		if err != nil {
			return fmt.Errorf("identity pair %q: %w", pair.ID, err)
		}
		if binder, ok := adapter.(bridgeBinder); ok {
			binder.BindBridge(b)
		}

		group.Go(func() error {
			return puppet.Sync(ctx, b.HandleMatrixEvent)
		})
		pairLog.Info().Str("puppet", string(puppetUserID)).Msg("Identity pair started")
	}

	log.Info().Int("pairs", len(cfg.IdentityPairs)).Msg("Bridge running")
	return group.Wait()
}

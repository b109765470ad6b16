package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/backend/emulator"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/config"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/provision"
)

// resultBuffer bounds outcomes waiting for the printer; beyond it they are
// dropped and logged.
const resultBuffer = 16

func identifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Watch the readers and identify every tapped card",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(config.ValidationTerminal)
			if err != nil {
				return err
			}
			client, err := newClient(cfg, log)
			if err != nil {
				return err
			}
			w, src, err := newWatcher(cfg, log)
			if err != nil {
				return err
			}
			defer src.Close()

			ctx, stop := signalContext()
			defer stop()

			results := make(chan protocol.Outcome, resultBuffer)
			printed := make(chan struct{})
			go printOutcomes(cmd.OutOrStdout(), results, log, printed)

			identifier := protocol.NewIdentifier(client, results, log.With("component", "identify"))
			err = w.Run(ctx, func(ctx context.Context, _ string, p *card.Presented) error {
				return identifier.Handle(ctx, p)
			})
			close(results)
			<-printed
			return err
		},
	}
}

func payCmd(opts *rootOptions) *cobra.Command {
	var amount int
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Authorize one payment with the next tapped card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			cfg, log, err := opts.load(config.ValidationTerminal)
			if err != nil {
				return err
			}
			client, err := newClient(cfg, log)
			if err != nil {
				return err
			}
			w, src, err := newWatcher(cfg, log)
			if err != nil {
				return err
			}
			defer src.Close()

			ctx, stop := signalContext()
			defer stop()

			results := make(chan protocol.Outcome, 1)
			printed := make(chan struct{})
			go printOutcomes(cmd.OutOrStdout(), results, log, printed)

			payer := protocol.NewPayer(client, results, log.With("component", "payment"))
			log.Info("tap a card to pay", "amount", amount)
			err = w.Once(ctx, func(ctx context.Context, _ string, p *card.Presented) error {
				return payer.HandlePayment(ctx, p, amount)
			})
			close(results)
			<-printed
			return err
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 0, "amount to authorize, in cents (required)")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func wipeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Remove the ascii-pay application from the next tapped card",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(config.ValidationReader)
			if err != nil {
				return err
			}
			w, src, err := newWatcher(cfg, log)
			if err != nil {
				return err
			}
			defer src.Close()

			ctx, stop := signalContext()
			defer stop()

			log.Info("tap a card to wipe", "aid", provision.AppID.String())
			return w.Once(ctx, func(_ context.Context, _ string, p *card.Presented) error {
				removed, err := provision.Wipe(p)
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: application %s deleted\n", p.Identity(), provision.AppID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no application %s\n", p.Identity(), provision.AppID)
				}
				return nil
			})
		},
	}
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the identity service emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(config.ValidationEmulator)
			if err != nil {
				return err
			}

			store, err := emulator.Open(cfg.Emulator.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()

			svc := emulator.NewService(store, cfg.Emulator.AutoEnroll, log.With("component", "emulator"))
			if err := svc.Seed(ctx, cfg.Emulator.Cards); err != nil {
				return err
			}

			server := &http.Server{
				Addr:    cfg.Emulator.Listen,
				Handler: emulator.NewRouter(svc, cfg.Backend.Token, log.With("component", "http")),
			}
			go func() {
				<-ctx.Done()
				log.Info("shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error("server shutdown error", "err", err)
				}
			}()

			log.Info("starting server", "listen", cfg.Emulator.Listen, "database", cfg.Emulator.Database, "cards", len(cfg.Emulator.Cards))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
}

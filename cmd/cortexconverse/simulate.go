package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/normanking/cortexconverse/internal/config"
	"github.com/normanking/cortexconverse/internal/logging"
	"github.com/normanking/cortexconverse/internal/simulator"
	"github.com/spf13/cobra"
)

func newSimulateCmd(opts *globalOptions) *cobra.Command {
	var addr string
	var latency time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a scripted dialogue service over WebSocket",
		Long: "Serve the built-in simulator so 'chat' and 'pair' can run against a real socket.\n" +
			"Conversations are served on /converse and feedback on /feedback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			log, err := logging.New(cfg.LoggingSettings())
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer log.Close()

			simCfg := simulator.DefaultConfig()
			simCfg.FrameRate = cfg.LipSync.FrameRate
			simCfg.Latency = latency
			sim := simulator.New(simCfg, log.Zerolog())

			mux := http.NewServeMux()
			mux.Handle("/converse", sim.Handler())
			mux.Handle("/feedback", sim.FeedbackHandler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Simulator listening on "+addr))

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8765", "listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay between envelopes")
	return cmd
}

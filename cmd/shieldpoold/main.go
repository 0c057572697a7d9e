// main.go - Entry point for the shield pool daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ptf-labs/shieldpool/internal/proofs"
	"github.com/ptf-labs/shieldpool/internal/server"
)

var fConfigPath string

var rootCmd = &cobra.Command{
	Use:   "shieldpoold",
	Short: "shielded pool daemon: commitment tree, nullifier registry, proof coordination",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&fConfigPath, "config", "shieldpoold.json", "path to the daemon configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(fConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	mode := proofs.ModeStrict
	if cfg.ProverMode == "mock-fallback" {
		mode = proofs.ModeMockFallback
		log.Warn().Msg("mock proof fallback enabled, do not use in production")
	}

	srv, err := server.New(server.Config{
		DataDir:      cfg.DataDir,
		DAOAuthority: cfg.DAOAuthority,
		Pools:        cfg.Pools,
		Prover:       proofs.NewGroth16Prover(log),
		Mode:         mode,
		ProveTimeout: time.Duration(cfg.ProveTimeout) * time.Second,
		MirrorURL:    cfg.MirrorURL,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Int("pools", len(cfg.Pools)).Msg("daemon listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// newLogger builds the zerolog root logger from the configuration. The
// returned closer flushes the log file, if one is configured.
func newLogger(cfg *Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := os.Stderr
	closer := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = f
		closer = func() { f.Close() }
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/backend"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/config"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/reader"
)

var version = "dev"

type rootOptions struct {
	configPath string
	verbose    bool
	logFormat  string
}

func main() {
	// .env is optional and never overrides the environment
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "asciipay-nfc",
		Short:        "ascii-pay NFC terminal: identify cards and authorize payments",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (default: next to the executable, then the working directory)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json (overrides config)")

	root.AddCommand(identifyCmd(opts))
	root.AddCommand(payCmd(opts))
	root.AddCommand(wipeCmd(opts))
	root.AddCommand(serveCmd(opts))
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "asciipay-nfc version %s\n", version)
		},
	}
}

// load reads the config for mode and installs the default logger.
func (o *rootOptions) load(mode config.ValidationMode) (*config.Config, *slog.Logger, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve default config path: %w", err)
		}
		path = p
	}
	cfg, err := config.LoadWithMode(path, mode)
	if err != nil {
		return nil, nil, err
	}

	format := cfg.Log.Format
	if o.logFormat != "" {
		format = o.logFormat
	}
	log := newLogger(os.Stderr, cfg.Log.Level, format, o.verbose)
	slog.SetDefault(log)
	log.Debug("config loaded", "path", path)
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newClient(cfg *config.Config, log *slog.Logger) (*backend.Client, error) {
	token := cfg.Backend.Token
	if token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		t, err := promptToken()
		if err != nil {
			return nil, err
		}
		token = t
	}
	return backend.New(cfg.Backend.URL, cfg.Backend.Timeout,
		backend.WithToken(token),
		backend.WithLogger(log.With("component", "backend")),
	), nil
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "Backend token (empty for none): ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// newWatcher opens PC/SC. The caller closes the returned source.
func newWatcher(cfg *config.Config, log *slog.Logger) (*reader.Watcher, *reader.PCSC, error) {
	src, err := reader.NewPCSC(cfg.Reader.PollInterval)
	if err != nil {
		return nil, nil, err
	}
	w := reader.NewWatcher(src, cfg.Reader.Name, log.With("component", "reader"))
	readers, err := w.Readers()
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	for i, r := range readers {
		log.Info("using reader", "index", i, "name", r)
	}
	return w, src, nil
}

const shutdownTimeout = 10 * time.Second

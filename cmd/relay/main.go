// Package main implements the relayd relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/relaydio/relayd/internal/relay"
	"github.com/relaydio/relayd/internal/relayconfig"
	"github.com/relaydio/relayd/internal/version"
)

var (
	configPath  string
	controlAddr string
	httpAddr    string
	httpsAddr   string
	tlsAddr     string
	metricsAddr string
	domain      string
	tcpRange    string
	jwtSecret   string
	acmeDir     string
	debug       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Run a relayd relay",
		Long:  `relayd is the exit-node half of a reverse tunnel: it accepts tunnel clients and routes public traffic to them.`,
		RunE:  runRelay,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to relay config file")
	rootCmd.Flags().StringVar(&controlAddr, "control", ":4443", "Control port address for tunnel client connections")
	rootCmd.Flags().StringVar(&httpAddr, "http", ":80", "HTTP ingress address")
	rootCmd.Flags().StringVar(&httpsAddr, "https", ":443", "HTTPS ingress address")
	rootCmd.Flags().StringVar(&tlsAddr, "tls", "", "Raw TLS-SNI ingress address (passthrough, no terminating cert)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus /metrics address (disabled if empty)")
	rootCmd.Flags().StringVar(&domain, "domain", "", "Base domain for subdomain and port tunnels (e.g. tunnel.example.com)")
	rootCmd.Flags().StringVar(&tcpRange, "tcp-port-range", "", "Port range for Tcp-protocol tunnels, e.g. 20000-20999")
	rootCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret for verifying client tokens (anonymous mode if empty)")
	rootCmd.Flags().StringVar(&acmeDir, "acme-cache", "", "Directory for cached ACME certificates")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relayd " + version.Full())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	r, err := relay.New(cfg)
	if err != nil {
		return fmt.Errorf("relayd: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("relayd: %w", err)
	}
	log.Info("shutting down")
	return nil
}

func setupLogging() {
	level := log.InfoLevel
	slogLevel := slog.LevelInfo
	if debug {
		level = log.DebugLevel
		slogLevel = slog.LevelDebug
	}
	log.SetLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})))
}

// loadConfig builds a relayconfig.Config from an optional config file
// overlaid with any CLI flags the caller explicitly set, so a bare
// "relayd --domain=..." works without a file on disk.
func loadConfig(cmd *cobra.Command) (*relayconfig.Config, error) {
	var cfg *relayconfig.Config
	if configPath != "" {
		loaded, err := relayconfig.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("relayd: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &relayconfig.Config{}
	}

	if cmd.Flags().Changed("control") || cfg.ControlAddr == "" {
		cfg.ControlAddr = controlAddr
	}
	if cmd.Flags().Changed("http") || cfg.HTTPAddr == "" {
		cfg.HTTPAddr = httpAddr
	}
	if cmd.Flags().Changed("https") || cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = httpsAddr
	}
	if cmd.Flags().Changed("tls") {
		cfg.TLSAddr = tlsAddr
	}
	if cmd.Flags().Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("domain") {
		cfg.Domain = domain
	}
	if cmd.Flags().Changed("tcp-port-range") {
		cfg.TCPPortRange = tcpRange
	}
	if cmd.Flags().Changed("jwt-secret") {
		cfg.JWTSecret = jwtSecret
	}
	if cmd.Flags().Changed("acme-cache") {
		cfg.ACMEDir = acmeDir
	}

	cfg.Defaults()

	if cfg.Domain == "" {
		log.Warn("no domain configured; the first label of the Host header is used as the subdomain")
	}
	if cfg.JWTSecret == "" {
		log.Warn("no jwt secret configured; running in anonymous auth mode")
	}
	if start, end := cfg.TCPPortRangeStart(), cfg.TCPPortRangeEnd(); start >= end {
		return nil, fmt.Errorf("relayd: invalid tcp port range %s-%s", strconv.Itoa(int(start)), strconv.Itoa(int(end)))
	}

	return cfg, nil
}

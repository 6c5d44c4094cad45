// Package main implements the relayd client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relaydio/relayd/internal/client"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/version"
)

var (
	configPath   string
	serverAddr   string
	subdomain    string
	customDomain string
	hostname     string
	remotePort   int
	token        string
	debug        bool
	noReconnect  bool
	maxRetries   int
)

// Config represents the client configuration file.
type Config struct {
	Server     string `yaml:"server"`
	Token      string `yaml:"token"`
	Subdomain  string `yaml:"subdomain"`
	Debug      *bool  `yaml:"debug"`
	Reconnect  *bool  `yaml:"reconnect"`
	MaxRetries *int   `yaml:"max_retries"`
}

// loadConfig loads configuration from the config file.
// Returns nil if no config file exists.
func loadConfig(path string) (*Config, error) {
	// If no explicit path, use default ~/.relayd.yaml
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".relayd.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Expose local services to the internet",
		Long:  `relayd is a lightweight reverse tunnel that exposes local services to the public internet.`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relayd " + version.Full())
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port> or http <host:port>",
		Short: "Expose a local HTTP service",
		Long: `Expose a local HTTP service to the internet.

Examples:
  relayd http 3000                      # Expose localhost:3000
  relayd http 8080 -s myapp             # Expose localhost:8080 with subdomain "myapp"
  relayd http localhost:8080            # Expose localhost:8080
  relayd http 192.168.1.10:3000         # Expose a service on your network`,
		Args: cobra.ExactArgs(1),
		RunE: runTunnel(protocol.ProtocolHttp),
	}
	httpCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "Custom subdomain (random if not specified)")

	httpsCmd := &cobra.Command{
		Use:   "https <port> or https <host:port>",
		Short: "Expose a local service behind a relay-terminated TLS front",
		Long: `Expose a local service behind a relay-terminated TLS front, either under
the shared tunnel domain or a custom domain you've pointed at the relay.

Examples:
  relayd https 8443 -s myapp                         # https://myapp.<domain>
  relayd https 8443 --custom-domain app.example.com   # https://app.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: runTunnel(protocol.ProtocolHttps),
	}
	httpsCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "Custom subdomain (random if not specified)")
	httpsCmd.Flags().StringVar(&customDomain, "custom-domain", "", "Custom domain pointed at the relay (mutually exclusive with --subdomain)")

	tcpCmd := &cobra.Command{
		Use:   "tcp <port> or tcp <host:port>",
		Short: "Expose a raw TCP service on a relay-assigned public port",
		Long: `Expose a raw TCP service. The relay assigns a public port from its
configured range unless --remote-port requests one explicitly.

Examples:
  relayd tcp 5432                         # Expose a local database
  relayd tcp 5432 --remote-port 25432     # Request a specific public port`,
		Args: cobra.ExactArgs(1),
		RunE: runTunnel(protocol.ProtocolTcp),
	}
	tcpCmd.Flags().IntVar(&remotePort, "remote-port", 0, "Preferred public port (0 lets the relay choose)")

	tlsCmd := &cobra.Command{
		Use:   "tls <port> or tls <host:port>",
		Short: "Expose a raw TLS service via SNI passthrough",
		Long: `Expose a local TLS-terminating service. The relay routes by the SNI
hostname in the TLS ClientHello without terminating the handshake itself.

Examples:
  relayd tls 8443 --hostname db.tunnel.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: runTunnel(protocol.ProtocolTlsSni),
	}
	tlsCmd.Flags().StringVar(&hostname, "hostname", "", "SNI hostname to register for this tunnel")

	for _, cmd := range []*cobra.Command{httpCmd, httpsCmd, tcpCmd, tlsCmd} {
		cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ~/.relayd.yaml)")
		cmd.Flags().StringVarP(&serverAddr, "server", "S", "tunnel.relayd.dev:4443", "Relay address")
		cmd.Flags().StringVarP(&token, "token", "t", "", "API token for authentication")
		cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
		cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Disable automatic reconnection")
		cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum reconnection attempts (0 = unlimited)")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runTunnel returns a cobra RunE for the given protocol kind, sharing the
// config loading, logging setup, and reconnect-loop wiring across all four
// tunnel subcommands; only the ProtocolSpec they build differs.
func runTunnel(kind protocol.ProtocolKind) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		if cfg != nil {
			if cfg.Server != "" && !cmd.Flags().Changed("server") {
				serverAddr = cfg.Server
			}
			if cfg.Token != "" && !cmd.Flags().Changed("token") {
				token = cfg.Token
			}
			if cfg.Subdomain != "" && !cmd.Flags().Changed("subdomain") {
				subdomain = cfg.Subdomain
			}
			if cfg.Debug != nil && !cmd.Flags().Changed("debug") {
				debug = *cfg.Debug
			}
			if cfg.Reconnect != nil && !cmd.Flags().Changed("no-reconnect") {
				noReconnect = !*cfg.Reconnect
			}
			if cfg.MaxRetries != nil && !cmd.Flags().Changed("max-retries") {
				maxRetries = *cfg.MaxRetries
			}
		}

		if debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}

		localAddr := args[0]
		if !strings.Contains(localAddr, ":") {
			localAddr = "localhost:" + localAddr
		}

		spec, err := buildProtocolSpec(kind)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := client.New(serverAddr, localAddr).
			WithProtocol(spec).
			WithReconnect(!noReconnect).
			WithMaxRetries(maxRetries)
		if token != "" {
			c = c.WithToken(token)
		}

		err = c.RunWithReconnect(ctx)

		if errors.Is(err, client.ErrShutdown) {
			log.Info("Shutting down...")
			return nil
		}
		if err != nil {
			return fmt.Errorf("relayd: %w", err)
		}
		return nil
	}
}

// buildProtocolSpec translates the subcommand's flags into the
// protocol.ProtocolSpec sent on Connect.
func buildProtocolSpec(kind protocol.ProtocolKind) (protocol.ProtocolSpec, error) {
	switch kind {
	case protocol.ProtocolHttp:
		return protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: subdomain}, nil
	case protocol.ProtocolHttps:
		if subdomain != "" && customDomain != "" {
			return protocol.ProtocolSpec{}, fmt.Errorf("relayd: --subdomain and --custom-domain are mutually exclusive")
		}
		return protocol.ProtocolSpec{Kind: protocol.ProtocolHttps, Subdomain: subdomain, CustomDomain: customDomain}, nil
	case protocol.ProtocolTcp:
		if remotePort < 0 || remotePort > 65535 {
			return protocol.ProtocolSpec{}, fmt.Errorf("relayd: --remote-port %d out of range", remotePort)
		}
		return protocol.ProtocolSpec{Kind: protocol.ProtocolTcp, PreferredPort: uint16(remotePort)}, nil
	case protocol.ProtocolTlsSni:
		if hostname == "" {
			return protocol.ProtocolSpec{}, fmt.Errorf("relayd: tls tunnels require --hostname")
		}
		return protocol.ProtocolSpec{Kind: protocol.ProtocolTlsSni, Hostname: hostname}, nil
	default:
		return protocol.ProtocolSpec{}, fmt.Errorf("relayd: unknown protocol kind %v", kind)
	}
}

package qrelay

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xquakejs/qrelay/netchan"
)

// CLI represents the command-line interface for qrelay
type CLI struct {
	rootCmd  *cobra.Command
	serveCmd *cobra.Command
}

// NewCLI creates a new CLI instance
func NewCLI() *CLI {
	cli := &CLI{}
	cli.initCommands()
	return cli
}

// Execute runs the CLI application
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

// initCommands initializes all CLI commands and flags
func (cli *CLI) initCommands() {
	cli.rootCmd = &cobra.Command{
		Use:          "qrelay",
		Short:        "SOCKS5 relay tunneling game traffic over WebSocket",
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qrelay version %s %s\n", Version, Platform)
		},
	}

	cli.serveCmd = &cobra.Command{
		Use:          "serve",
		Short:        "Start the relay server",
		RunE:         cli.runServe,
		SilenceUsage: true,
	}

	decodeCmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode the game header of a hex encoded datagram",
		Args:  cobra.ExactArgs(1),
		RunE:  cli.runDecode,
	}

	addServeFlags(cli.serveCmd.Flags())

	decodeCmd.Flags().Bool("server", false, "Datagram was sent by the server")
	decodeCmd.Flags().Uint32("challenge", 0, "Connection challenge for checksum validation")
	decodeCmd.Flags().Bool("compat", false, "Legacy header without checksum")

	cli.rootCmd.AddCommand(cli.serveCmd, versionCmd, decodeCmd)
}

func addServeFlags(flags *pflag.FlagSet) {
	opt := DefaultServerOption()
	flags.StringP("config", "c", "", "YAML config file")
	flags.StringP("socks-addr", "s", opt.SocksAddr, "Raw TCP SOCKS5 listen address, empty to disable")
	flags.StringP("ws-addr", "w", opt.WSAddr, "WebSocket SOCKS5 listen address, empty to disable")
	flags.StringP("bind-host", "b", opt.BindHost, "Host relay ports are bound on")
	flags.StringP("public-addr", "a", "", "Address reported to clients in replies")
	flags.String("proxy-ip", "", "X-Forwarded-For value sent on direct connections")
	flags.Bool("trust-forward-headers", false, "Identify bridge peers by X-Forwarded-For/Port")
	flags.Bool("no-ws", false, "Do not expose UDP bindings over WebSocket")
	flags.Duration("udp-timeout", opt.UDPTimeout, "Idle time before a relay binding is closed")
	flags.Duration("connect-wait", opt.ConnectWait, "How long CONNECT waits for a pending UDP or BIND setup")
	flags.Duration("connect-timeout", opt.ConnectTimeout, "Outbound connect timeout")
	flags.Int("buffer-size", opt.BufferSize, "Set buffer size for data transfer")
	flags.Float64("accept-rate", 0, "Max new sessions per second, 0 for unlimited")
	flags.Int("accept-burst", 16, "Burst size for the accept rate limit")
	flags.StringP("metrics-addr", "m", "", "Prometheus metrics listen address")
	flags.Bool("upnp", false, "Map relay ports on the gateway with UPnP")
	flags.StringSlice("allow", nil, "Only accept clients from these IPs or CIDRs")
	flags.CountP("debug", "d", "Show debug logs (use -dd for trace logs)")
}

// settings layers flags over QRELAY_* environment variables over the
// config file over defaults.
func (cli *CLI) settings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("QRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	if path := v.GetString("config"); path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		for key, value := range cfg.Settings() {
			v.SetDefault(key, value)
		}
	}
	return v, nil
}

func (cli *CLI) runServe(cmd *cobra.Command, args []string) error {
	v, err := cli.settings(cmd)
	if err != nil {
		return err
	}

	logger := cli.initLogging(v.GetInt("debug"))

	serverOpt := DefaultServerOption().
		WithSocksAddr(v.GetString("socks-addr")).
		WithWSAddr(v.GetString("ws-addr")).
		WithBindHost(v.GetString("bind-host")).
		WithPublicAddr(v.GetString("public-addr")).
		WithProxyIP(v.GetString("proxy-ip")).
		WithTrustForwardHeaders(v.GetBool("trust-forward-headers")).
		WithDisableBridge(v.GetBool("no-ws")).
		WithUDPTimeout(v.GetDuration("udp-timeout")).
		WithConnectWait(v.GetDuration("connect-wait")).
		WithConnectTimeout(v.GetDuration("connect-timeout")).
		WithBufferSize(v.GetInt("buffer-size")).
		WithAcceptRate(v.GetFloat64("accept-rate"), v.GetInt("accept-burst")).
		WithMetricsAddr(v.GetString("metrics-addr")).
		WithUPnP(v.GetBool("upnp")).
		WithLogger(logger)

	server := NewServer(serverOpt)

	if allow := v.GetStringSlice("allow"); len(allow) > 0 {
		list, err := NewAllowList(allow...)
		if err != nil {
			return err
		}
		if err := server.UseAuth(list); err != nil {
			return err
		}
		logger.Info().Strs("allow", allow).Msg("Client allow list enabled")
	}

	if err := server.WaitReady(cmd.Context(), 0); err != nil {
		server.Close()
		return err
	}

	// Wait for either server error or context cancellation
	select {
	case <-cmd.Context().Done():
		server.Close()
		return cmd.Context().Err()
	case err := <-server.errors:
		server.Close()
		return err
	}
}

func (cli *CLI) runDecode(cmd *cobra.Command, args []string) error {
	msg, err := hex.DecodeString(strings.Join(strings.Fields(args[0]), ""))
	if err != nil {
		return fmt.Errorf("invalid hex datagram: %w", err)
	}
	fromServer, _ := cmd.Flags().GetBool("server")
	challenge, _ := cmd.Flags().GetUint32("challenge")
	compat, _ := cmd.Flags().GetBool("compat")

	st := &netchan.State{Challenge: challenge, Compat: compat}
	pkt := netchan.NewDecoder(nil).Decode(msg, st, !fromServer)
	fmt.Fprintln(cmd.OutOrStdout(), pkt.String())
	return nil
}

// initLogging sets up zerolog with appropriate level
func (cli *CLI) initLogging(debug int) zerolog.Logger {
	switch debug {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}

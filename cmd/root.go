package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdclient "github.com/islet-project/warden/cmd/client"
	cmdcore "github.com/islet-project/warden/cmd/core"
	cmddaemon "github.com/islet-project/warden/cmd/daemon"
	"github.com/islet-project/warden/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - realm control plane",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("qemu-path", "", "hypervisor binary")
	cmd.PersistentFlags().String("warden-workdir-path", "", "persistence root")
	cmd.PersistentFlags().String("unix-sock-path", "", "client RPC socket path")
	cmd.PersistentFlags().String("dhcp-exec-path", "", "DHCP/DNS (dnsmasq) binary")
	cmd.PersistentFlags().Uint32("cid", 2, "host vsock CID")
	cmd.PersistentFlags().Uint32("port", 80, "vsock listen port")
	cmd.PersistentFlags().Uint64("realm-connection-wait-time-secs", 60, "agent handshake timeout")
	cmd.PersistentFlags().Uint64("realm-response-wait-time-secs", 10, "per-request agent timeout")
	cmd.PersistentFlags().String("bridge-name", "virtbWarden", "bridge interface")
	cmd.PersistentFlags().String("network-address", "192.168.100.0/24", "bridge CIDR")
	cmd.PersistentFlags().Uint8("dhcp-connections-number", 20, "DHCP pool size")
	cmd.PersistentFlags().StringSlice("dns-records", nil, "extra --address= entries for dnsmasq")

	bindings := map[string]string{
		"qemu_path":                       "qemu-path",
		"warden_workdir_path":             "warden-workdir-path",
		"unix_sock_path":                  "unix-sock-path",
		"dhcp_exec_path":                  "dhcp-exec-path",
		"cid":                             "cid",
		"port":                            "port",
		"realm_connection_wait_time_secs": "realm-connection-wait-time-secs",
		"realm_response_wait_time_secs":   "realm-response-wait-time-secs",
		"bridge_name":                     "bridge-name",
		"network_address":                 "network-address",
		"dhcp_connections_number":         "dhcp-connections-number",
		"dns_records":                     "dns-records",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	cmd.AddCommand(cmddaemon.Command(cmddaemon.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdclient.Command(cmdclient.Handler{BaseHandler: base}))

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return log.SetupLog(ctx, &conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

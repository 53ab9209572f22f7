package client

import "github.com/spf13/cobra"

// Actions defines the client-side RPC operations.
type Actions interface {
	CreateRealm(cmd *cobra.Command, args []string) error
	StartRealm(cmd *cobra.Command, args []string) error
	StopRealm(cmd *cobra.Command, args []string) error
	RebootRealm(cmd *cobra.Command, args []string) error
	DestroyRealm(cmd *cobra.Command, args []string) error
	InspectRealm(cmd *cobra.Command, args []string) error
	ListRealms(cmd *cobra.Command, args []string) error
	CreateApplication(cmd *cobra.Command, args []string) error
	UpdateApplication(cmd *cobra.Command, args []string) error
	StartApplication(cmd *cobra.Command, args []string) error
	StopApplication(cmd *cobra.Command, args []string) error
}

// Command builds the "client" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running warden daemon",
	}

	createCmd := &cobra.Command{
		Use:   "create-realm",
		Short: "Register a new realm",
		Args:  cobra.NoArgs,
		RunE:  h.CreateRealm,
	}
	flags := createCmd.Flags()
	flags.StringP("cpu", "c", "cortex-a57", "CPU model")
	flags.StringP("machine", "m", "virt", "machine type")
	flags.IntP("core-count", "n", 2, "CPU core count")
	flags.IntP("ram-size", "r", 2048, "RAM size in MB")
	flags.StringP("tap-device", "t", "tap100", "TAP device name")
	flags.StringP("mac-address", "a", "52:55:00:d1:55:01", "MAC address of the realm NIC")
	flags.StringP("network-device", "e", "e1000", "emulated network device")
	flags.StringP("remote-terminal-uri", "u", "", "serial terminal URI (hypervisor -serial)")
	flags.StringP("kernel", "k", "", "kernel image path")
	flags.StringP("kernel-initramfs", "i", "", "initramfs path")
	flags.StringP("kernel-options", "o", "", "extra kernel command line")
	flags.Uint32P("vsock-cid", "v", 0, "vsock CID of the realm")
	_ = createCmd.MarkFlagRequired("kernel")
	_ = createCmd.MarkFlagRequired("vsock-cid")

	listCmd := &cobra.Command{
		Use:     "list-realms",
		Aliases: []string{"ls"},
		Short:   "List realms with state",
		Args:    cobra.NoArgs,
		RunE:    h.ListRealms,
	}

	startCmd := realmTargetCommand("start-realm", "Boot a realm", h.StartRealm)
	stopCmd := realmTargetCommand("stop-realm", "Shut a realm down", h.StopRealm)
	rebootCmd := realmTargetCommand("reboot-realm", "Restart a realm's guest", h.RebootRealm)
	destroyCmd := realmTargetCommand("destroy-realm", "Remove a realm and its data", h.DestroyRealm)
	inspectCmd := realmTargetCommand("inspect-realm", "Show one realm (JSON)", h.InspectRealm)

	createAppCmd := &cobra.Command{
		Use:   "create-application",
		Short: "Register an application on a halted realm",
		Args:  cobra.NoArgs,
		RunE:  h.CreateApplication,
	}
	addAppConfigFlags(createAppCmd)

	updateAppCmd := &cobra.Command{
		Use:   "update-application",
		Short: "Replace an application's config",
		Args:  cobra.NoArgs,
		RunE:  h.UpdateApplication,
	}
	addAppConfigFlags(updateAppCmd)
	updateAppCmd.Flags().StringP("application-id", "a", "", "application id")
	_ = updateAppCmd.MarkFlagRequired("application-id")

	startAppCmd := appTargetCommand("start-application", "Start an application", h.StartApplication)
	stopAppCmd := appTargetCommand("stop-application", "Stop an application", h.StopApplication)

	clientCmd.AddCommand(createCmd, listCmd, startCmd, stopCmd, rebootCmd, destroyCmd, inspectCmd,
		createAppCmd, updateAppCmd, startAppCmd, stopAppCmd)
	return clientCmd
}

func realmTargetCommand(use, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	cmd.Flags().StringP("realm-id", "r", "", "realm id")
	_ = cmd.MarkFlagRequired("realm-id")
	return cmd
}

func appTargetCommand(use, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	cmd.Flags().StringP("realm-id", "r", "", "realm id")
	cmd.Flags().StringP("application-id", "a", "", "application id")
	_ = cmd.MarkFlagRequired("realm-id")
	_ = cmd.MarkFlagRequired("application-id")
	return cmd
}

func addAppConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("realm-id", "r", "", "realm id")
	flags.StringP("name", "n", "", "application name")
	flags.StringP("version", "v", "", "application version")
	flags.StringP("image-registry", "i", "", "application image registry")
	flags.Uint32P("image-storage-size-mb", "o", 0, "image partition size in MB")
	flags.Uint32P("data-storage-size-mb", "d", 0, "data partition size in MB")
	_ = cmd.MarkFlagRequired("realm-id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("image-registry")
}

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/islet-project/warden/client"
	cmdcore "github.com/islet-project/warden/cmd/core"
	"github.com/islet-project/warden/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// dial opens the RPC connection configured by --unix-sock-path.
func (h Handler) dial() (*client.Client, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, err
	}
	if conf.UnixSockPath == "" {
		return nil, fmt.Errorf("unix_sock_path is required")
	}
	return client.Dial(conf.UnixSockPath)
}

func flagUUID(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s %q: %w", name, raw, err)
	}
	return id, nil
}

func (h Handler) CreateRealm(cmd *cobra.Command, _ []string) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	flags := cmd.Flags()
	cores, _ := flags.GetInt("core-count")
	ram, _ := flags.GetInt("ram-size")
	cid, _ := flags.GetUint32("vsock-cid")
	cfg := types.RealmConfig{}
	cfg.Machine, _ = flags.GetString("machine")
	cfg.CPU.CPU, _ = flags.GetString("cpu")
	cfg.CPU.CoresNumber = cores
	cfg.Memory.RAMSize = ram
	cfg.Network.VsockCID = cid
	cfg.Network.TapDevice, _ = flags.GetString("tap-device")
	cfg.Network.MacAddress, _ = flags.GetString("mac-address")
	cfg.Network.HardwareDevice, _ = flags.GetString("network-device")
	cfg.Network.RemoteTerminalURI, _ = flags.GetString("remote-terminal-uri")
	cfg.Kernel.KernelPath, _ = flags.GetString("kernel")
	cfg.Kernel.InitramfsPath, _ = flags.GetString("kernel-initramfs")
	cfg.Kernel.KernelCmdExtra, _ = flags.GetString("kernel-options")

	id, err := rpc.CreateRealm(cfg)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (h Handler) ListRealms(*cobra.Command, []string) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	realms, err := rpc.ListRealms()
	if err != nil {
		return err
	}
	if len(realms) == 0 {
		fmt.Println("No realms found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tAPPS")
	for _, realm := range realms {
		fmt.Fprintf(w, "%s\t%s\t%d\n", realm.ID, realm.State, len(realm.Applications))
	}
	return w.Flush()
}

func (h Handler) InspectRealm(cmd *cobra.Command, _ []string) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	id, err := flagUUID(cmd, "realm-id")
	if err != nil {
		return err
	}
	desc, err := rpc.InspectRealm(id)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	for _, app := range desc.Applications {
		fmt.Fprintf(os.Stderr, "# app %s: image %s, data %s\n", app.ID,
			units.HumanSize(float64(app.Config.ImageStorageSize)*units.MiB),
			units.HumanSize(float64(app.Config.DataStorageSize)*units.MiB))
	}
	return nil
}

// realmOp is the shared body of the single-target realm commands.
func (h Handler) realmOp(cmd *cobra.Command, op func(*client.Client, uuid.UUID) error) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	id, err := flagUUID(cmd, "realm-id")
	if err != nil {
		return err
	}
	return op(rpc, id)
}

func (h Handler) StartRealm(cmd *cobra.Command, _ []string) error {
	return h.realmOp(cmd, (*client.Client).StartRealm)
}

func (h Handler) StopRealm(cmd *cobra.Command, _ []string) error {
	return h.realmOp(cmd, (*client.Client).StopRealm)
}

func (h Handler) RebootRealm(cmd *cobra.Command, _ []string) error {
	return h.realmOp(cmd, (*client.Client).RebootRealm)
}

func (h Handler) DestroyRealm(cmd *cobra.Command, _ []string) error {
	return h.realmOp(cmd, (*client.Client).DestroyRealm)
}

func appConfigFromFlags(cmd *cobra.Command) types.ApplicationConfig {
	flags := cmd.Flags()
	cfg := types.ApplicationConfig{}
	cfg.Name, _ = flags.GetString("name")
	cfg.Version, _ = flags.GetString("version")
	cfg.ImageRegistry, _ = flags.GetString("image-registry")
	cfg.ImageStorageSize, _ = flags.GetUint32("image-storage-size-mb")
	cfg.DataStorageSize, _ = flags.GetUint32("data-storage-size-mb")
	return cfg
}

func (h Handler) CreateApplication(cmd *cobra.Command, _ []string) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	realmID, err := flagUUID(cmd, "realm-id")
	if err != nil {
		return err
	}
	appID, err := rpc.CreateApplication(realmID, appConfigFromFlags(cmd))
	if err != nil {
		return err
	}
	fmt.Println(appID)
	return nil
}

func (h Handler) UpdateApplication(cmd *cobra.Command, _ []string) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	realmID, err := flagUUID(cmd, "realm-id")
	if err != nil {
		return err
	}
	appID, err := flagUUID(cmd, "application-id")
	if err != nil {
		return err
	}
	return rpc.UpdateApplication(realmID, appID, appConfigFromFlags(cmd))
}

// appOp is the shared body of the start/stop application commands.
func (h Handler) appOp(cmd *cobra.Command, op func(*client.Client, uuid.UUID, uuid.UUID) error) error {
	rpc, err := h.dial()
	if err != nil {
		return err
	}
	defer rpc.Close() //nolint:errcheck

	realmID, err := flagUUID(cmd, "realm-id")
	if err != nil {
		return err
	}
	appID, err := flagUUID(cmd, "application-id")
	if err != nil {
		return err
	}
	return op(rpc, realmID, appID)
}

func (h Handler) StartApplication(cmd *cobra.Command, _ []string) error {
	return h.appOp(cmd, (*client.Client).StartApplication)
}

func (h Handler) StopApplication(cmd *cobra.Command, _ []string) error {
	return h.appOp(cmd, (*client.Client).StopApplication)
}

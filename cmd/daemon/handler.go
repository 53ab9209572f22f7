package daemon

import (
	"github.com/spf13/cobra"

	cmdcore "github.com/islet-project/warden/cmd/core"
	"github.com/islet-project/warden/daemon"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Run starts the daemon and blocks until a termination signal.
func (h Handler) Run(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	return daemon.Run(ctx, conf)
}

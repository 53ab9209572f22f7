package daemon

import "github.com/spf13/cobra"

// Command builds the "daemon" command.
func Command(h Handler) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the warden host daemon",
		Args:  cobra.NoArgs,
		RunE:  h.Run,
	}
}

package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pkeller/termmux/internal/shimd"
)

func newShimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "shim",
		Short:  "run the session daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := socketPath()
			if err != nil {
				return err
			}
			for _, key := range []string{"scrollback-limit", "flush-interval"} {
				if f := cmd.Flags().Lookup(key); f != nil {
					if err := viper.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			return shimd.Run(shimd.RunConfig{
				SocketPath:      path,
				Shell:           viper.GetString("shell"),
				ScrollbackLimit: viper.GetInt("scrollback-limit"),
				FlushInterval:   viper.GetDuration("flush-interval"),
			})
		},
	}
	cmd.Flags().Int("scrollback-limit", 0, "retained scrollback lines per session (default 10000)")
	cmd.Flags().Duration("flush-interval", 0, "output coalescing interval (default 4ms)")
	return cmd
}

// Package cli wires the termmux commands. Configuration comes from viper:
// flags override TERMMUX_* environment variables, which override the
// optional config file at ~/.termmux/config.yaml.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pkeller/termmux/internal/shimclient"
	"github.com/pkeller/termmux/internal/shimd"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "termmux",
		Short:        "terminal session multiplexer",
		Long:         "termmux keeps terminal sessions alive in a background daemon;\nclients attach, detach, and reattach without losing state.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	root.PersistentFlags().String("socket", "", "daemon socket path (default ~/.termmux/shim.sock)")
	root.PersistentFlags().String("shell", "", "shell for new sessions (default $SHELL)")

	root.AddCommand(
		newShimCmd(),
		newNewCmd(),
		newListCmd(),
		newAttachCmd(),
		newKillCmd(),
		newKillAllCmd(),
		newTunnelCmd(),
	)
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("TERMMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		viper.SetConfigName("config")
		viper.AddConfigPath(filepath.Join(home, ".termmux"))
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	for _, key := range []string{"socket", "shell"} {
		if f := cmd.Flags().Lookup(key); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func socketPath() (string, error) {
	if p := viper.GetString("socket"); p != "" {
		return p, nil
	}
	return shimd.SocketPath()
}

// daemonArgs builds the argv for a spawned daemon so it serves the same
// socket and shell this process was configured with.
func daemonArgs(path string) []string {
	args := []string{"shim", "--socket", path}
	if shell := viper.GetString("shell"); shell != "" {
		args = append(args, "--shell", shell)
	}
	return args
}

// newShimClient builds a client that spawns the daemon on demand.
func newShimClient() (*shimclient.Client, error) {
	path, err := socketPath()
	if err != nil {
		return nil, err
	}
	return shimclient.New(shimclient.Options{
		SocketPath:  path,
		SpawnDaemon: true,
		DaemonArgs:  daemonArgs(path),
	})
}

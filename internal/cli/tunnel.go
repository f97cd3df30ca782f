package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkeller/termmux/internal/tunnel"
)

func newTunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "expose the local daemon to a remote machine",
	}
	cmd.AddCommand(newTunnelAgentCmd(), newTunnelHubCmd())
	return cmd
}

func newTunnelAgentCmd() *cobra.Command {
	var (
		hubURL   string
		secret   string
		insecure bool
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "connect the local daemon out to a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hubURL == "" || secret == "" {
				return fmt.Errorf("--url and --secret are required")
			}
			path, err := socketPath()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			agent := tunnel.NewAgent(hubURL, secret, path)
			agent.AllowInsecureTLS = insecure
			agent.Run(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&hubURL, "url", "", "hub websocket URL (wss://host/tunnel)")
	cmd.Flags().StringVar(&secret, "secret", "", "shared tunnel secret")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "accept self-signed hub certificates")
	return cmd
}

func newTunnelHubCmd() *cobra.Command {
	var (
		wsAddr    string
		localAddr string
		secret    string
	)
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "accept an agent and bridge it to a local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}

			hub := tunnel.NewHub(secret)

			l, err := net.Listen("tcp", localAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", localAddr, err)
			}
			defer l.Close()
			go hub.ServeListener(l)
			fmt.Printf("bridging %s to the remote daemon\n", l.Addr())

			mux := http.NewServeMux()
			mux.HandleFunc("/tunnel", hub.Handler())
			return http.ListenAndServe(wsAddr, mux)
		},
	}
	cmd.Flags().StringVar(&wsAddr, "ws-listen", ":8822", "websocket listen address for agents")
	cmd.Flags().StringVar(&localAddr, "listen", "127.0.0.1:8823", "local bridge address for clients")
	cmd.Flags().StringVar(&secret, "secret", "", "shared tunnel secret")
	return cmd
}

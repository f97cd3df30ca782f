package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newNewCmd() *cobra.Command {
	var attach bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newShimClient()
			if err != nil {
				return err
			}
			defer c.Close()

			cols, rows := 80, 24
			if term.IsTerminal(int(os.Stdout.Fd())) {
				if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					cols, rows = w, h
				}
			}
			cwd, _ := os.Getwd()

			id, err := c.CreatePty(cols, rows, cwd, nil)
			if err != nil {
				return err
			}
			if attach {
				return attachSession(c, id)
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&attach, "attach", "a", false, "attach to the new session")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newShimClient()
			if err != nil {
				return err
			}
			defer c.Close()

			sessions, err := c.ListAll()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSIZE\tTITLE\tCWD\tAGE")
			for _, s := range sessions {
				age := time.Since(s.CreatedAt).Round(time.Second)
				fmt.Fprintf(w, "%s\t%dx%d\t%s\t%s\t%s\n", s.ID, s.Cols, s.Rows, s.Title, s.Cwd, age)
			}
			return w.Flush()
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newShimClient()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Destroy(args[0])
		},
	}
}

func newKillAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "killall",
		Short: "destroy every session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newShimClient()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DestroyAll()
		},
	}
}

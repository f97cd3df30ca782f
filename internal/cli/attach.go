package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pkeller/termmux/internal/shimclient"
	"github.com/pkeller/termmux/internal/shimproto"
)

// detachKey is Ctrl-], chosen because shells rarely bind it.
const detachKey = 0x1d

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "attach the current terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newShimClient()
			if err != nil {
				return err
			}
			defer c.Close()
			return attachSession(c, args[0])
		},
	}
}

// attachSession mirrors the session onto the local terminal until the
// detach key is pressed or the session goes away.
func attachSession(c *shimclient.Client, id string) error {
	if _, err := c.GetSession(id); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return fmt.Errorf("attach requires a terminal")
	}
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	// Size the session to this terminal before first paint.
	if w, h, err := term.GetSize(stdinFd); err == nil {
		c.Resize(id, w, h)
	}

	done := make(chan string, 1)
	finish := func(reason string) {
		select {
		case done <- reason:
		default:
		}
	}

	cancelUpdates := c.OnUpdate(func(ev shimclient.UpdateEvent) {
		if ev.PtyID != id {
			return
		}
		paint(ev)
	})
	defer cancelUpdates()

	cancelExit := c.OnExit(func(ev shimproto.PtyExitEvent) {
		if ev.PtyID == id {
			finish(fmt.Sprintf("session exited with code %d", ev.ExitCode))
		}
	})
	defer cancelExit()

	cancelLifecycle := c.OnLifecycle(func(ev shimproto.PtyLifecycleEvent) {
		if ev.PtyID == id && ev.Type == "destroyed" {
			finish("session destroyed")
		}
	})
	defer cancelLifecycle()

	cancelDetached := c.OnDetached(func(shimproto.DetachedEvent) {
		finish("daemon connection lost")
	})
	defer cancelDetached()

	// Repaint from the mirror in case the full update already landed.
	if state, ok := c.TerminalState(id); ok {
		os.Stdout.WriteString("\x1b[2J")
		for i, row := range state.Screen {
			fmt.Fprintf(os.Stdout, "\x1b[%d;1H\x1b[K%s", i+1, row)
		}
		fmt.Fprintf(os.Stdout, "\x1b[%d;%dH", state.Cursor.Row+1, state.Cursor.Col+1)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdinFd); err == nil {
				c.Resize(id, w, h)
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				finish("stdin closed")
				return
			}
			for i := 0; i < n; i++ {
				if buf[i] == detachKey {
					if i > 0 {
						c.Write(id, buf[:i])
					}
					finish("detached")
					return
				}
			}
			if err := c.Write(id, buf[:n]); err != nil {
				finish(err.Error())
				return
			}
		}
	}()

	reason := <-done
	os.Stdout.WriteString("\x1b[2J\x1b[H")
	term.Restore(stdinFd, oldState)
	fmt.Printf("[termmux: %s]\n", reason)
	return nil
}

// paint writes one update to the local terminal. Full updates clear and
// redraw; deltas readdress only the changed rows.
func paint(ev shimclient.UpdateEvent) {
	u := ev.Update.Terminal
	if u.IsFull {
		os.Stdout.WriteString("\x1b[2J")
		for i, row := range u.Screen {
			fmt.Fprintf(os.Stdout, "\x1b[%d;1H\x1b[K%s", i+1, row)
		}
	} else {
		for _, patch := range u.Changed {
			fmt.Fprintf(os.Stdout, "\x1b[%d;1H\x1b[K%s", patch.Row+1, patch.Text)
		}
	}
	fmt.Fprintf(os.Stdout, "\x1b[%d;%dH", u.Cursor.Row+1, u.Cursor.Col+1)
}

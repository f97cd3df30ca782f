package shimd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// RuntimeDir returns the directory holding the daemon's socket and pid file.
func RuntimeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".termmux"), nil
}

// SocketPath returns the path of the daemon's unix domain socket.
func SocketPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shim.sock"), nil
}

// PIDPath returns the path of the daemon's pid file.
func PIDPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shim.pid"), nil
}

// cleanStaleSocket removes a leftover socket file when no daemon is behind
// it. A connectable socket or a live pid means another daemon is running.
func cleanStaleSocket(socketPath, pidPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("daemon already running (socket active)")
	}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(pidData)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("daemon already running (pid %d)", pid)
				}
			}
		}
	}

	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}

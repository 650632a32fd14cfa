package vmm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ControlSocketPath returns the Unix socket path for the given PID.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/pgmsnap-%d.sock", pid)
}

// StartControlSocket listens on the control socket of this process and
// handles control commands sent by the `pgmsnap ctl` subcommand.
//
// Supported commands (newline-terminated):
//
//	SAVE <path>       – save a snapshot with the guest paused
//	SAVE-LIVE <path>  – save a snapshot while the guest runs
//	MIGRATE <addr>    – trigger live migration to <addr> (host:port)
//	STATS             – report guest stores so far
func (v *VMM) StartControlSocket(ctx context.Context) (string, error) {
	path := ControlSocketPath(os.Getpid())

	return path, v.ServeControl(ctx, path)
}

// ServeControl listens on the Unix socket at path until ctx is done.
func (v *VMM) ServeControl(ctx context.Context, path string) error {
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	context.AfterFunc(ctx, func() { l.Close() })

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(ctx, conn)
		}
	}()

	return nil
}

func (v *VMM) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	reply := func(err error) {
		if err != nil {
			v.log.Error("control command failed", zap.String("cmd", cmd), zap.Error(err))
			_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

			return
		}

		_, _ = conn.Write([]byte("OK\n"))
	}

	switch cmd {
	case "SAVE", "SAVE-LIVE":
		reply(v.Save(ctx, arg, cmd == "SAVE-LIVE"))
	case "MIGRATE":
		reply(v.MigrateTo(ctx, arg))
	case "STATS":
		v.mu.Lock()
		defer v.mu.Unlock()

		if v.Machine == nil {
			reply(errNotInitialized)

			return
		}

		_, _ = fmt.Fprintf(conn, "OK stores=%d paused=%t\n", v.Stores(), v.Paused())
	default:
		_, _ = conn.Write([]byte("ERROR unknown command\n"))
	}
}

// Control sends one command to the control socket at path and returns
// the reply line.
func Control(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("control reply: %w", err)
	}

	return strings.TrimSpace(reply), nil
}

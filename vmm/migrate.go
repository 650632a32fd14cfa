package vmm

// migrate.go – live migration: source (MigrateTo) and destination (Incoming).
//
// Source side (MigrateTo):
//  1. Send the manifest.
//  2. Live passes while the guest runs, one MsgUnit each, until the memory
//     unit votes to stop.
//  3. Pause the guest and send the final pass.
//  4. Send MsgDone and wait for MsgReady from the destination.
//  5. Shut down.
//
// Destination side (Incoming):
//  1. Accept the TCP connection.
//  2. Check the manifest and reset memory.
//  3. Load every unit in the order it arrives.
//  4. Send MsgReady and start the guest.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/migration"
)

const dialTimeout = 30 * time.Second

var errExpectedMsgReady = errors.New("expected MsgReady")

// MigrateTo performs a live migration of the running VM to the given TCP
// address (host:port). The guest is paused only for the final pass; on
// success the source is shut down.
func (v *VMM) MigrateTo(ctx context.Context, addr string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.log.Info("migration: connecting", zap.String("addr", addr))

	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := v.sendLive(ctx, migration.NewSender(conn)); err != nil {
		return fmt.Errorf("migration to %s: %w", addr, err)
	}

	t, _, err := migration.NewReceiver(conn).Next()
	if err != nil {
		v.Resume()

		return fmt.Errorf("waiting for MsgReady: %w", err)
	}

	if t != migration.MsgReady {
		v.Resume()

		return fmt.Errorf("%w: got %v", errExpectedMsgReady, t)
	}

	v.log.Info("migration: complete, destination is running")

	v.Resume()

	return v.Shutdown()
}

// Incoming listens on listenAddr for an incoming migration and, once
// the full memory state is received, starts running the VM.
func (v *VMM) Incoming(ctx context.Context, listenAddr string) error {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	defer l.Close()

	return v.Accept(ctx, l)
}

// Accept takes one migration from l.
func (v *VMM) Accept(ctx context.Context, l net.Listener) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	v.log.Info("migration: waiting for incoming connection", zap.Stringer("addr", l.Addr()))

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	v.mu.Lock()
	defer v.mu.Unlock()

	v.PauseAndWait()

	if err := v.receive(ctx, migration.NewReceiver(conn)); err != nil {
		v.Resume()

		return fmt.Errorf("incoming migration: %w", err)
	}

	if err := migration.NewSender(conn).SendReady(); err != nil {
		v.Resume()

		return err
	}

	v.log.Info("migration: state restored, starting VM")

	v.Resume()

	return v.Boot(ctx)
}

package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/logging"
	"github.com/bobuhiro11/pgmsnap/migration"
	"github.com/bobuhiro11/pgmsnap/snapshot"
)

var (
	errNoManifest            = errors.New("stream does not start with a manifest")
	errUnknownUnit           = errors.New("unknown unit")
	errUnexpectedMessageType = errors.New("unexpected message type")
)

func (v *VMM) manifest(live bool) *migration.Manifest {
	return &migration.Manifest{
		Machine: v.Layout().Name,
		Session: uuid.NewString(),
		Live:    live,
		Units:   []migration.UnitInfo{{Name: v.unit.Name(), Version: v.unit.Version()}},
	}
}

func (v *VMM) sendUnit(s *migration.Sender, pass uint32, buf *bytes.Buffer) error {
	h := migration.UnitHeader{Name: v.unit.Name(), Version: v.unit.Version(), Pass: pass}

	if err := s.SendUnit(h, buf.Bytes()); err != nil {
		return fmt.Errorf("send %v: %w", h, err)
	}

	v.log.Debug("unit sent", zap.Stringer("unit", h), logging.Size("size", uint64(buf.Len())))
	buf.Reset()

	return nil
}

// sendOneShot writes the whole memory in one unit with the guest paused.
func (v *VMM) sendOneShot(ctx context.Context, s *migration.Sender) (err error) {
	if err := s.SendManifest(v.manifest(false)); err != nil {
		return err
	}

	v.PauseAndWait()
	defer v.Resume()

	defer func() {
		if derr := v.unit.SaveDone(ctx); err == nil {
			err = derr
		}
	}()

	var buf bytes.Buffer

	if err := v.unit.SaveExec(ctx, &buf); err != nil {
		return err
	}

	if err := v.sendUnit(s, migration.PassFinal, &buf); err != nil {
		return err
	}

	return s.SendDone()
}

// sendLive streams live passes while the guest runs until the unit votes
// to stop, then pauses the guest for the final pass. The guest is left
// paused on success.
func (v *VMM) sendLive(ctx context.Context, s *migration.Sender) (err error) {
	if err := s.SendManifest(v.manifest(true)); err != nil {
		return err
	}

	if err := v.unit.Prepare(ctx); err != nil {
		return err
	}

	paused := false

	defer func() {
		if derr := v.unit.SaveDone(ctx); err == nil {
			err = derr
		}

		if err != nil && paused {
			v.Resume()
		}
	}()

	var buf bytes.Buffer

	for pass := uint32(0); ; pass++ {
		if err := v.unit.ExecutePass(ctx, &buf, pass); err != nil {
			return err
		}

		if err := v.sendUnit(s, pass, &buf); err != nil {
			return err
		}

		if v.unit.VoteDone(pass) {
			v.log.Info("live passes converged", zap.Uint32("passes", pass+1))

			break
		}
	}

	v.PauseAndWait()
	paused = true

	if err := v.unit.SaveExec(ctx, &buf); err != nil {
		return err
	}

	if err := v.sendUnit(s, migration.PassFinal, &buf); err != nil {
		return err
	}

	return s.SendDone()
}

// receive loads a stream into the paused machine.
func (v *VMM) receive(ctx context.Context, r *migration.Receiver) error {
	var m *migration.Manifest

	for {
		t, payload, err := r.Next()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch t {
		case migration.MsgManifest:
			if m, err = migration.DecodeManifest(payload); err != nil {
				return err
			}

			if err := v.checkManifest(m); err != nil {
				return err
			}

			if err := v.unit.LoadPrep(ctx); err != nil {
				return err
			}

		case migration.MsgUnit:
			if m == nil {
				return errNoManifest
			}

			h, data, err := migration.DecodeUnit(payload)
			if err != nil {
				return err
			}

			if h.Name != v.unit.Name() {
				return fmt.Errorf("%w: %q", errUnknownUnit, h.Name)
			}

			if err := v.unit.LoadExec(ctx, bytes.NewReader(data), h.Version, h.Pass); err != nil {
				return err
			}

		case migration.MsgDone:
			if m == nil {
				return errNoManifest
			}

			v.log.Info("stream loaded", zap.String("machine", m.Machine), zap.String("session", m.Session), zap.Bool("live", m.Live))

			return v.unit.LoadDone(ctx)

		case migration.MsgReady:
			return fmt.Errorf("%w: %v", errUnexpectedMessageType, t)

		default:
			return fmt.Errorf("%w: %v", errUnexpectedMessageType, t)
		}
	}
}

func (v *VMM) checkManifest(m *migration.Manifest) error {
	for _, u := range m.Units {
		if u.Name != v.unit.Name() {
			return fmt.Errorf("%w: %q", errUnknownUnit, u.Name)
		}

		if !slices.Contains(snapshot.Versions(), u.Version) {
			return fmt.Errorf("%w: %s v%d", snapshot.ErrUnsupportedVersion, u.Name, u.Version)
		}
	}

	if m.Machine != v.Layout().Name {
		v.log.Warn("loading a snapshot of another machine", zap.String("saved", m.Machine), zap.String("have", v.Layout().Name))
	}

	return nil
}

package vmm

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/migration"
)

// Save writes a snapshot of guest memory to path. A live save streams
// passes while the guest runs and pauses it only for the final pass;
// otherwise the guest is paused for the whole save. The guest runs again
// afterwards either way.
func (v *VMM) Save(ctx context.Context, path string, live bool) (err error) {
	if v.Machine == nil {
		return errNotInitialized
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}

		if err != nil {
			os.Remove(path)
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)

	if err := migration.WriteFileHeader(w); err != nil {
		return err
	}

	s := migration.NewSender(w)

	if live {
		err = v.sendLive(ctx, s)
		if err == nil {
			v.Resume()
		}
	} else {
		err = v.sendOneShot(ctx, s)
	}

	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	v.log.Info("snapshot saved", zap.String("path", path), zap.Bool("live", live))

	return nil
}

// Restore replaces guest memory with the snapshot at path. The guest is
// paused while it loads.
func (v *VMM) Restore(ctx context.Context, path string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	if err := migration.ReadFileHeader(r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	v.PauseAndWait()
	defer v.Resume()

	if err := v.receive(ctx, migration.NewReceiver(r)); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}

	v.log.Info("snapshot restored", zap.String("path", path))

	return nil
}

// Units calls fn for every unit stored in the snapshot file at path,
// without loading anything.
func Units(path string, fn func(h migration.UnitHeader, data []byte) error) (*migration.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	if err := migration.ReadFileHeader(r); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	recv := migration.NewReceiver(r)

	var m *migration.Manifest

	for {
		t, payload, err := recv.Next()
		if err != nil {
			return m, err
		}

		switch t {
		case migration.MsgManifest:
			if m, err = migration.DecodeManifest(payload); err != nil {
				return nil, err
			}
		case migration.MsgUnit:
			h, data, err := migration.DecodeUnit(payload)
			if err != nil {
				return m, err
			}

			if err := fn(h, data); err != nil {
				return m, err
			}
		case migration.MsgDone:
			if m == nil {
				return nil, errNoManifest
			}

			return m, nil
		case migration.MsgReady:
			return m, fmt.Errorf("%w: %v", errUnexpectedMessageType, t)
		default:
			return m, fmt.Errorf("%w: %v", errUnexpectedMessageType, t)
		}
	}
}

// Package vmm runs a machine and moves its memory in and out of snapshot
// streams: files on disk and live migration over TCP.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/machine"
	"github.com/bobuhiro11/pgmsnap/snapshot"
)

var (
	errNotInitialized = errors.New("vmm is not initialized")
	errAlreadyBooted  = errors.New("vmm is already booted")
)

type Config struct {
	// LayoutFile is a TOML layout. Empty means machine.DefaultLayout.
	LayoutFile string
	RAMSize    uint64

	Workload machine.Workload

	// KVMDev enables KVM dirty logging through the given device.
	KVMDev string

	Engine config.Config
}

type VMM struct {
	*machine.Machine
	Config

	unit *snapshot.Manager
	log  *zap.Logger

	// mu serializes saves, restores and migrations.
	mu sync.Mutex

	cancel context.CancelFunc
	g      *errgroup.Group
}

func New(c Config, log *zap.Logger) *VMM {
	return &VMM{Config: c, log: log}
}

// Init builds the machine and the memory unit.
func (v *VMM) Init() error {
	layout := machine.DefaultLayout(v.RAMSize)

	if v.LayoutFile != "" {
		var err error

		if layout, err = machine.LoadLayout(v.LayoutFile); err != nil {
			return err
		}
	}

	m, err := machine.New(layout, v.log.Named("machine"))
	if err != nil {
		return err
	}

	if v.KVMDev != "" {
		if err := m.EnableDirtyLog(v.KVMDev); err != nil {
			m.Close()

			return err
		}
	}

	v.Machine = m
	v.unit = snapshot.NewManager(m.Registry(), v.Engine, v.log, m)

	return nil
}

// Unit returns the guest memory unit.
func (v *VMM) Unit() *snapshot.Manager { return v.unit }

// Boot starts the guest workload in the background.
func (v *VMM) Boot(ctx context.Context) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	if v.g != nil {
		return errAlreadyBooted
	}

	ctx, v.cancel = context.WithCancel(ctx)
	v.g, ctx = errgroup.WithContext(ctx)

	v.g.Go(func() error { return v.Run(ctx, v.Workload) })

	v.log.Info("guest running", zap.String("layout", v.Layout().Name))

	return nil
}

// Wait blocks until the guest stops.
func (v *VMM) Wait() error {
	if v.g == nil {
		return nil
	}

	return v.g.Wait()
}

// Shutdown stops the guest and releases the machine.
func (v *VMM) Shutdown() error {
	if v.Machine == nil {
		return nil
	}

	var err error

	if v.g != nil {
		v.cancel()
		err = v.g.Wait()
		v.g = nil
	}

	if cerr := v.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close machine: %w", cerr))
	}

	v.Machine = nil

	return err
}

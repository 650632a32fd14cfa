// Package snapshot saves and restores guest memory as a named, versioned
// unit of a snapshot container, either in one shot while the guest is
// paused or incrementally while it runs.
package snapshot

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnsupportedVersion is returned for unit versions this build cannot
	// read or write.
	ErrUnsupportedVersion = errors.New("unsupported unit version")
	// ErrConfigMismatch is returned when the stream describes memory the
	// VM does not have.
	ErrConfigMismatch = errors.New("memory configuration mismatch")

	errNoLiveSave = errors.New("no live save in progress")
	errLiveSave   = errors.New("live save already in progress")
)

// Unit is a section of the snapshot container.
type Unit interface {
	Name() string
	Version() uint32

	// Prepare starts a live save.
	Prepare(ctx context.Context) error
	// ExecutePass writes one live pass.
	ExecutePass(ctx context.Context, w io.Writer, pass uint32) error
	// VoteDone reports whether the live save may stop after pass.
	VoteDone(pass uint32) bool
	// SaveExec writes the final pass of a live save, or the whole state
	// when no live save was prepared.
	SaveExec(ctx context.Context, w io.Writer) error
	// SaveDone ends a save. It runs after failures too.
	SaveDone(ctx context.Context) error

	LoadPrep(ctx context.Context) error
	LoadExec(ctx context.Context, r io.Reader, version, pass uint32) error
	LoadDone(ctx context.Context) error
}

// Hooks are the parts of the VM outside guest memory that a snapshot has
// to drive.
type Hooks interface {
	// ResetVM brings the rest of the VM to its power-on state before a
	// load.
	ResetVM() error
	// InvalidateMappings drops every cached guest-to-host mapping.
	InvalidateMappings() error
	// ResyncPaging forces a full paging resync on every vCPU.
	ResyncPaging() error
	// SyncDirtyLog folds hardware dirty tracking into the registry. It
	// runs with the registry lock held.
	SyncDirtyLog() error
}

// NopHooks does nothing.
type NopHooks struct{}

func (NopHooks) ResetVM() error            { return nil }
func (NopHooks) InvalidateMappings() error { return nil }
func (NopHooks) ResyncPaging() error       { return nil }
func (NopHooks) SyncDirtyLog() error       { return nil }

package snapshot

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/livesave"
	"github.com/bobuhiro11/pgmsnap/memory"
)

const (
	// UnitName names the guest memory unit in a container.
	UnitName = "pgm"
	// UnitVersion is the version SaveExec writes.
	UnitVersion uint32 = 3

	// PassFinal is the pass number of the final pass.
	PassFinal = livesave.PassFinal
)

// Manager is the guest memory Unit.
type Manager struct {
	reg   *memory.Registry
	cfg   config.Config
	log   *zap.Logger
	hooks Hooks
	opts  []livesave.Option

	session *livesave.Session
	skip    skipSet
}

var _ Unit = (*Manager)(nil)

func NewManager(reg *memory.Registry, cfg config.Config, log *zap.Logger, hooks Hooks, opts ...livesave.Option) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}

	return &Manager{
		reg:   reg,
		cfg:   cfg,
		log:   log.Named(UnitName),
		hooks: hooks,
		opts:  opts,
	}
}

func (m *Manager) Name() string { return UnitName }

func (m *Manager) Version() uint32 { return UnitVersion }

// Registry returns the memory the unit saves and loads.
func (m *Manager) Registry() *memory.Registry { return m.reg }

func (m *Manager) Prepare(ctx context.Context) error {
	if m.session != nil {
		return errLiveSave
	}

	opts := append([]livesave.Option{livesave.WithDirtyLogSync(m.hooks.SyncDirtyLog)}, m.opts...)

	s, err := livesave.Prepare(m.reg, m.cfg, m.log, opts...)
	if err != nil {
		return fmt.Errorf("prepare live save: %w", err)
	}

	m.session = s

	return nil
}

// ExecutePass writes one live pass as a unit of its own. Pass 0 carries
// the range layout.
func (m *Manager) ExecutePass(ctx context.Context, w io.Writer, pass uint32) error {
	if m.session == nil {
		return errNoLiveSave
	}

	var hdr byte

	if pass == 0 {
		hdr = headerLayout
	}

	if err := m.writeHeader(w, hdr); err != nil {
		return err
	}

	return m.session.ExecutePass(ctx, w, pass)
}

func (m *Manager) VoteDone(pass uint32) bool {
	if m.session == nil {
		return true
	}

	return m.session.Vote(pass)
}

func (m *Manager) SaveExec(ctx context.Context, w io.Writer) error {
	if m.session == nil {
		return m.saveFull(w)
	}

	if err := m.writeHeader(w, 0); err != nil {
		return err
	}

	return m.session.Final(ctx, w)
}

// SaveDone releases the live save. A live save that never reached its
// final pass is abandoned and the guest keeps running unaffected.
func (m *Manager) SaveDone(ctx context.Context) error {
	if m.session == nil {
		return nil
	}

	if !m.session.FinalDone() {
		m.log.Warn("live save abandoned before the final pass", zap.Stringer("session", m.session.ID))
	}

	m.session.Done()
	m.session = nil

	return nil
}

// LoadPrep resets all memory and the rest of the VM. Every record of the
// stream is replayed on top of that state.
func (m *Manager) LoadPrep(ctx context.Context) error {
	m.skip = nil

	if err := m.reg.Reset(); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}

	if err := m.hooks.ResetVM(); err != nil {
		return fmt.Errorf("reset vm: %w", err)
	}

	return nil
}

func (m *Manager) LoadExec(ctx context.Context, r io.Reader, version, pass uint32) error {
	c, err := lookupVersion(version)
	if err != nil {
		return err
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	l := &loader{reg: m.reg, cfg: m.cfg, log: m.log.With(zap.Uint32("version", version), zap.Uint32("pass", pass)), skip: &m.skip}

	if err := c.load(l, r); err != nil {
		return fmt.Errorf("load %s v%d pass %d: %w", UnitName, version, pass, err)
	}

	l.log.Debug("unit loaded", zap.Int("records", l.records), zap.Int("skipped", l.skipped))

	return nil
}

// LoadDone revalidates everything derived from guest memory.
func (m *Manager) LoadDone(ctx context.Context) error {
	if err := m.hooks.InvalidateMappings(); err != nil {
		return fmt.Errorf("invalidate mappings: %w", err)
	}

	if err := m.hooks.ResyncPaging(); err != nil {
		return fmt.Errorf("resync paging: %w", err)
	}

	return nil
}

// SaveExecVersion writes the whole state in an older unit version, for
// consumers that cannot read the current one. The guest must be paused.
func (m *Manager) SaveExecVersion(ctx context.Context, w io.Writer, version uint32) error {
	c, err := lookupVersion(version)
	if err != nil {
		return err
	}

	if m.session != nil {
		return errLiveSave
	}

	return c.save(m, w)
}

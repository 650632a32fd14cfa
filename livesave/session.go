// Package livesave captures guest memory while the guest keeps running.
//
// A Session arms write monitoring on every RAM page, then repeatedly drains
// the pages that stayed clean since they were armed and rearms the ones the
// guest wrote. Once few enough pages remain dirty the caller pauses the
// guest and runs a final exhaustive pass.
package livesave

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/memory"
)

var (
	// ErrNoMemory is returned when the tracking arrays would exceed
	// Config.MaxTrackedPages.
	ErrNoMemory = errors.New("not enough memory for live tracking")

	errSessionDone = errors.New("capture session already finished")
	errFinalDone   = errors.New("final pass already ran")
)

// VoteFunc decides whether the capture should stop after pass.
type VoteFunc func(pass uint32, st Stats) bool

// Stats are the page counters of a session. Ready+Dirty always equals the
// number of tracked pages that are not MMIO.
type Stats struct {
	Ready     uint64
	Dirty     uint64
	Zero      uint64
	Shared    uint64
	MMIO      uint64
	Monitored uint64
}

// Session is one live capture. It exists from Prepare to Done.
type Session struct {
	ID uuid.UUID

	reg *memory.Registry
	cfg config.Config
	log *zap.Logger

	syncDirtyLog func() error
	vote         VoteFunc
	yield        func()

	stats      Stats
	sinceYield int
	finalDone  bool
	done       bool
}

type Option func(*Session)

// WithDirtyLogSync installs fn to run, with the registry lock held, at the
// start of every pass. It is where a hardware dirty log gets merged into
// the written-to flags.
func WithDirtyLogSync(fn func() error) Option {
	return func(s *Session) { s.syncDirtyLog = fn }
}

// WithVote replaces the default convergence rule.
func WithVote(fn VoteFunc) Option {
	return func(s *Session) { s.vote = fn }
}

// Prepare engages write monitoring on reg and allocates a tracking entry
// for every page. Every page starts dirty. On error reg is left as it was.
func Prepare(reg *memory.Registry, cfg config.Config, log *zap.Logger, opts ...Option) (*Session, error) {
	if err := reg.Engage(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:  uuid.New(),
		reg: reg,
		cfg: cfg,
		log: log,
	}
	s.yield = reg.Yield

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(zap.Stringer("session", s.ID))

	reg.Lock()
	defer reg.Unlock()

	var total uint64

	reg.ForEachRange(func(r *memory.Range) bool {
		total += uint64(r.NumPages())

		return true
	})

	if cfg.MaxTrackedPages != 0 && total > cfg.MaxTrackedPages {
		reg.Disengage()

		return nil, fmt.Errorf("%w: %d pages, limit %d", ErrNoMemory, total, cfg.MaxTrackedPages)
	}

	reg.ForEachRange(func(r *memory.Range) bool {
		s.track(r)

		return true
	})

	reg.SetRemoveHook(s.untrack)

	s.log.Info("live capture prepared",
		zap.Int("ranges", reg.NumRanges()),
		zap.Uint64("pages", total),
		zap.Uint64("mmio", s.stats.MMIO))

	return s, nil
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	s.reg.Lock()
	defer s.reg.Unlock()

	return s.stats
}

// Vote reports whether the capture has converged after pass.
func (s *Session) Vote(pass uint32) bool {
	st := s.Stats()

	if s.vote != nil {
		return s.vote(pass, st)
	}

	return st.Dirty <= s.cfg.DirtyThreshold || pass+1 >= s.cfg.MaxPasses
}

// FinalDone reports whether the final pass completed.
func (s *Session) FinalDone() bool { return s.finalDone }

// Done ends the session: monitored pages go back to allocated, written
// flags are cleared, tracking arrays are freed and the registry is
// disengaged. It works after a failed or partial capture and may be called
// more than once.
func (s *Session) Done() {
	if s.done {
		return
	}

	s.done = true

	s.reg.Lock()

	s.reg.SetRemoveHook(nil)

	s.reg.ForEachRange(func(r *memory.Range) bool {
		if r.LiveTrack == nil {
			return true
		}

		for i := range r.LiveTrack {
			p := r.Tracked(i)
			s.reg.ClearWriteMonitor(p)
			s.reg.ClearWrittenTo(p)
		}

		r.LiveTrack = nil

		return true
	})

	s.reg.Unlock()
	s.reg.Disengage()

	s.log.Info("live capture finished", zap.Bool("final", s.finalDone))
}

// track allocates the tracking array of r. The caller holds the lock.
func (s *Session) track(r *memory.Range) {
	r.LiveTrack = make([]memory.LiveTrackEntry, r.NumPages())

	for i := range r.LiveTrack {
		e := &r.LiveTrack[i]
		e.Dirty = true

		if rp := r.Rom(i); rp != nil {
			rp.Info = memory.RomPageInfo{}
		}

		p := r.Tracked(i)
		if p.Kind().IsMMIO() {
			e.MMIO = true
			s.stats.MMIO++

			continue
		}

		s.stats.Dirty++

		switch p.State() {
		case memory.StateZero:
			s.setZero(e, true)
		case memory.StateShared:
			s.setShared(e, true)
		case memory.StateAllocated, memory.StateWriteMonitored:
		}
	}
}

// untrack runs when a range disappears mid capture.
func (s *Session) untrack(r *memory.Range) {
	for i := range r.LiveTrack {
		e := &r.LiveTrack[i]

		switch {
		case e.MMIO:
			s.stats.MMIO--
		case e.Dirty:
			s.stats.Dirty--
		default:
			s.stats.Ready--
		}

		s.setZero(e, false)
		s.setShared(e, false)
		s.setMonitored(e, false)
	}

	s.log.Debug("tracked range removed", zap.String("range", r.Name), zap.Uint64("base", r.Base))
}

func (s *Session) markDirty(e *memory.LiveTrackEntry) {
	if e.Dirty {
		return
	}

	e.Dirty = true
	e.BumpDirtied()

	if !e.MMIO {
		s.stats.Ready--
		s.stats.Dirty++
	}
}

func (s *Session) markClean(e *memory.LiveTrackEntry, pass uint32) {
	if !e.Dirty {
		return
	}

	e.Dirty = false
	e.PassSaved = pass

	if !e.MMIO {
		s.stats.Dirty--
		s.stats.Ready++
	}
}

func (s *Session) setZero(e *memory.LiveTrackEntry, v bool) {
	if e.Zero == v {
		return
	}

	e.Zero = v

	if v {
		s.stats.Zero++
	} else {
		s.stats.Zero--
	}
}

func (s *Session) setShared(e *memory.LiveTrackEntry, v bool) {
	if e.Shared == v {
		return
	}

	e.Shared = v

	if v {
		s.stats.Shared++
	} else {
		s.stats.Shared--
	}
}

func (s *Session) setMonitored(e *memory.LiveTrackEntry, v bool) {
	if e.WriteMonitored == v {
		return
	}

	e.WriteMonitored = v

	if v {
		s.stats.Monitored++
	} else {
		s.stats.Monitored--
		e.WriteMonitoredJustNow = false
	}
}

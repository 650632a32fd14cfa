package livesave

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
)

// PassFinal is the pass number of the final, exhaustive pass.
const PassFinal = ^uint32(0)

type passStats struct {
	captured int64
	zero     int64
}

// ExecutePass runs one live pass and writes its records, terminated by END,
// to w. Pass 0 starts with the virgin body of every ROM page.
func (s *Session) ExecutePass(ctx context.Context, w io.Writer, pass uint32) error {
	if pass == PassFinal {
		return s.Final(ctx, w)
	}

	if s.done {
		return errSessionDone
	}

	enc := record.NewEncoder(w)

	var ps passStats

	s.reg.Lock()
	defer s.reg.Unlock()

	if pass == 0 {
		if err := s.flushVirgin(enc, &ps); err != nil {
			return err
		}
	}

	if err := s.syncWritten(); err != nil {
		return err
	}

	if err := s.walk(ctx, true, s.part1); err != nil {
		return fmt.Errorf("pass %d: %w", pass, err)
	}

	err := s.walk(ctx, true, func(r *memory.Range, i int) error {
		return s.part2(enc, r, i, pass, false, &ps)
	})
	if err != nil {
		return fmt.Errorf("pass %d: %w", pass, err)
	}

	if err := enc.End(); err != nil {
		return err
	}

	s.account(ctx, ps, false)

	s.log.Info("live pass done",
		zap.Uint32("pass", pass),
		zap.Int64("captured", ps.captured),
		zap.Int64("zero", ps.zero),
		zap.Uint64("dirty", s.stats.Dirty),
		zap.Uint64("ready", s.stats.Ready),
		zap.Uint64("monitored", s.stats.Monitored))

	return nil
}

// Final runs Part 1 and Part 2 over every page with the lock held
// throughout. The guest must be paused. Afterwards the stream holds a
// consistent image.
func (s *Session) Final(ctx context.Context, w io.Writer) error {
	if s.done {
		return errSessionDone
	}

	if s.finalDone {
		return errFinalDone
	}

	enc := record.NewEncoder(w)

	var ps passStats

	s.reg.Lock()
	defer s.reg.Unlock()

	if err := s.syncWritten(); err != nil {
		return err
	}

	if err := s.walk(ctx, false, s.part1); err != nil {
		return fmt.Errorf("final pass: %w", err)
	}

	err := s.walk(ctx, false, func(r *memory.Range, i int) error {
		return s.part2(enc, r, i, PassFinal, true, &ps)
	})
	if err != nil {
		return fmt.Errorf("final pass: %w", err)
	}

	if err := enc.End(); err != nil {
		return err
	}

	s.finalDone = true
	s.account(ctx, ps, true)

	s.log.Info("final pass done",
		zap.Int64("captured", ps.captured),
		zap.Int64("zero", ps.zero),
		zap.Int64("bytes", enc.Bytes()))

	return nil
}

func (s *Session) account(ctx context.Context, ps passStats, final bool) {
	attrs := metric.WithAttributes(attrLive)
	if final {
		attrs = metric.WithAttributes(attrFinal)
	}

	passesRun.Add(ctx, 1, attrs)
	pagesCaptured.Add(ctx, ps.captured, attrs)
	pagesZero.Add(ctx, ps.zero, attrs)
}

func (s *Session) syncWritten() error {
	if s.syncDirtyLog == nil {
		return nil
	}

	if err := s.syncDirtyLog(); err != nil {
		return fmt.Errorf("sync dirty log: %w", err)
	}

	return nil
}

// flushVirgin writes the virgin body of every ROM page. Plain ROM never
// changes, so its pages leave the dirty set for good.
func (s *Session) flushVirgin(enc *record.Encoder, ps *passStats) error {
	var err error

	s.reg.ForEachRange(func(r *memory.Range) bool {
		if !r.Kind().IsROM() {
			return true
		}

		if r.LiveTrack == nil {
			s.track(r)
		}

		for i := 0; i < r.NumPages() && err == nil; i++ {
			err = s.saveVirgin(enc, r, i, 0, ps)
		}

		return err == nil
	})

	return err
}

func (s *Session) saveVirgin(enc *record.Encoder, r *memory.Range, i int, pass uint32, ps *passStats) error {
	rp := r.Rom(i)

	if err := enc.ROMVirgin(r.Addr(i), rp.Prot, s.reg.MapReadOnly(&rp.Virgin)); err != nil {
		return err
	}

	ps.captured++
	rp.Info.SavedVirgin = true
	rp.Info.Prot = rp.Prot

	if rp.Virgin.Kind() == memory.KindROM {
		rp.Info.Done = true
		s.markClean(&r.LiveTrack[i], pass)
	}

	return nil
}

// part1 rearms write monitoring on page i of r.
func (s *Session) part1(r *memory.Range, i int) error {
	e := &r.LiveTrack[i]
	if e.MMIO {
		return nil
	}

	if rp := r.Rom(i); rp != nil {
		if rp.Virgin.Kind() == memory.KindROMShadow {
			s.rearmRom(rp, e)
		}

		return nil
	}

	s.rearm(r.Page(i), e)

	return nil
}

// part2 captures page i of r if it is dirty and has been stable since it
// was armed. The final pass captures every dirty page, device memory
// included, and records protection-only changes of shadowed ROM.
func (s *Session) part2(enc *record.Encoder, r *memory.Range, i int, pass uint32, final bool, ps *passStats) error {
	e := &r.LiveTrack[i]
	addr := r.Addr(i)

	if e.MMIO {
		if !final || !e.Dirty {
			return nil
		}

		if p := r.Page(i); p.Kind() == memory.KindMMIO2 {
			if err := s.capture(enc, addr, p, nil, ps); err != nil {
				return err
			}
		}

		s.markClean(e, pass)

		return nil
	}

	rp := r.Rom(i)

	if rp != nil && !rp.Info.SavedVirgin {
		// Range registered after pass 0.
		if err := s.saveVirgin(enc, r, i, pass, ps); err != nil {
			return err
		}
	}

	if rp != nil && rp.Info.Done {
		return nil
	}

	if !e.Dirty {
		if final && rp != nil && rp.Info.Prot != rp.Prot {
			if err := enc.ROMProt(addr, rp.Prot); err != nil {
				return err
			}

			rp.Info.Prot = rp.Prot
		}

		return nil
	}

	p := r.Tracked(i)
	if !final && (e.WriteMonitoredJustNow || !stable(p, e)) {
		return nil
	}

	if err := s.capture(enc, addr, p, rp, ps); err != nil {
		return err
	}

	s.markClean(e, pass)

	return nil
}

func (s *Session) capture(enc *record.Encoder, addr uint64, p *memory.Page, rp *memory.RomPage, ps *passStats) error {
	data := s.reg.MapReadOnly(p)
	zero := p.State() == memory.StateZero || data == nil || record.IsZeroPage(data)

	active := rp != nil && rp.ActiveSide() == memory.SideShadow
	if active {
		zero = p.State() == memory.StateZero || data == nil
	}

	var err error

	switch {
	case rp != nil:
		err = enc.ROMShadow(addr, rp.Prot, p.State(), data, active)
	case zero:
		err = enc.Zero(addr)
	default:
		err = enc.Raw(addr, data)
	}

	if err != nil {
		return err
	}

	if rp != nil {
		rp.Info.Prot = rp.Prot
	}

	ps.captured++
	if zero {
		ps.zero++
	}

	return nil
}

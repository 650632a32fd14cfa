package livesave

import (
	"context"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/memory"
)

// pageFunc visits page i of r. The caller holds the registry lock.
type pageFunc func(r *memory.Range, i int) error

// walk visits every page of every range in address order. In live passes
// it yields the lock every YieldInterval pages; when the range list changed
// meanwhile, the range in progress is looked up again by its base and
// scanned from its first page. Ranges already done are not revisited.
func (s *Session) walk(ctx context.Context, live bool, fn pageFunc) error {
	for r := s.reg.FirstRange(); r != nil; r = s.reg.RangeAfter(r.Base) {
		if r.LiveTrack == nil {
			s.track(r)
		}

		gen := s.reg.Generation()

		for i := 0; i < r.NumPages(); i++ {
			if err := fn(r, i); err != nil {
				return err
			}

			if !live || s.cfg.YieldInterval <= 0 {
				continue
			}

			s.sinceYield++
			if s.sinceYield < s.cfg.YieldInterval {
				continue
			}

			s.sinceYield = 0
			s.yield()

			if err := ctx.Err(); err != nil {
				return err
			}

			if s.reg.Generation() == gen {
				continue
			}

			base := r.Base
			rangeRestarts.Add(ctx, 1)

			if r = s.reg.RangeAtOrAfter(base); r == nil {
				return nil
			}

			s.log.Debug("range list changed, restarting range",
				zap.Uint64("base", base), zap.String("range", r.Name))

			if r.LiveTrack == nil {
				s.track(r)
			}

			gen = s.reg.Generation()
			i = -1
		}
	}

	return nil
}

package livesave

import (
	"github.com/bobuhiro11/pgmsnap/memory"
)

// rearm brings the tracking entry of p up to date with the page and arms
// write monitoring again on allocated pages. The caller holds the lock.
func (s *Session) rearm(p *memory.Page, e *memory.LiveTrackEntry) {
	switch p.State() {
	case memory.StateAllocated:
		if s.reg.IsWrittenTo(p) {
			s.reg.ClearWrittenTo(p)
		}

		s.markDirty(e)
		s.reg.WriteMonitor(p)
		s.setMonitored(e, true)
		e.WriteMonitoredJustNow = true
		s.setZero(e, false)
		s.setShared(e, false)

	case memory.StateWriteMonitored:
		e.WriteMonitoredJustNow = false

	case memory.StateZero:
		s.setMonitored(e, false)

		if !e.Zero {
			s.markDirty(e)
			s.setZero(e, true)
			s.setShared(e, false)
		}

	case memory.StateShared:
		s.setMonitored(e, false)

		if !e.Shared {
			s.markDirty(e)
			s.setZero(e, false)
			s.setShared(e, true)
		}
	}
}

// stable reports whether p still looks the way the last rearm left it, so
// its content can be captured without racing a guest write.
func stable(p *memory.Page, e *memory.LiveTrackEntry) bool {
	switch p.State() {
	case memory.StateZero:
		return e.Zero
	case memory.StateShared:
		return e.Shared
	case memory.StateWriteMonitored:
		return e.WriteMonitored && !e.Zero && !e.Shared
	case memory.StateAllocated:
	}

	return false
}

// rearmRom folds guest writes to the passive shadow body into the entry.
func (s *Session) rearmRom(rp *memory.RomPage, e *memory.LiveTrackEntry) {
	s.rearm(&rp.Shadow, e)

	if rp.Info.WrittenTo {
		rp.Info.WrittenTo = false
		s.markDirty(e)
		e.WriteMonitoredJustNow = true
	}
}

package memory

// MaxDirtied caps LiveTrackEntry.Dirtied.
const MaxDirtied = 0x00fffff0

// LiveTrackEntry is the per-page record of a live capture. An array of them
// hangs off every range for the duration of one capture session and is nil
// otherwise. For shadowed ROM pages the entry tracks the shadow body; the
// virgin body is flushed once in pass 0.
type LiveTrackEntry struct {
	Zero                  bool
	Shared                bool
	MMIO                  bool
	Dirty                 bool
	WriteMonitored        bool
	WriteMonitoredJustNow bool
	Dirtied               uint32
	PassSaved             uint32
}

// BumpDirtied increments Dirtied, saturating at MaxDirtied.
func (e *LiveTrackEntry) BumpDirtied() {
	if e.Dirtied < MaxDirtied {
		e.Dirtied++
	}
}

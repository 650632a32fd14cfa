package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/pgmsnap/memory"
)

// Workload stands in for the guest's vCPUs.
type Workload struct {
	// Workers is the number of concurrent vCPUs.
	Workers int
	// Interval is the pause between two stores of one worker.
	Interval time.Duration
	// HotPages confines stores to the first HotPages writable pages. Zero
	// means every writable page.
	HotPages int
	Seed     uint64
	// ShadowBIOS copies every shadowed ROM into its shadow and runs from
	// there, the way firmware does early in boot.
	ShadowBIOS bool
}

// DefaultWorkload is a single slow vCPU over a small working set.
func DefaultWorkload() Workload {
	return Workload{Workers: 1, Interval: time.Millisecond, HotPages: 256, ShadowBIOS: true}
}

type target struct {
	base  uint64
	pages int
}

func writableTargets(reg *memory.Registry) []target {
	reg.Lock()
	defer reg.Unlock()

	var ts []target

	reg.ForEachRange(func(r *memory.Range) bool {
		if k := r.Kind(); k == memory.KindRAM || k == memory.KindMMIO2 {
			ts = append(ts, target{base: r.Base, pages: r.NumPages()})
		}

		return true
	})

	return ts
}

func (w Workload) run(ctx context.Context, m *Machine) error {
	if w.ShadowBIOS {
		if err := shadowROMs(m); err != nil {
			return err
		}
	}

	targets := writableTargets(m.reg)
	if len(targets) == 0 || w.Workers <= 0 {
		<-ctx.Done()

		return nil
	}

	total := 0
	for _, t := range targets {
		total += t.pages
	}

	if w.HotPages > 0 && w.HotPages < total {
		total = w.HotPages
	}

	m.log.Info("workload started",
		zap.Int("workers", w.Workers),
		zap.Int("pages", total),
		zap.Duration("interval", w.Interval))

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.Workers; i++ {
		rng := rand.New(rand.NewPCG(w.Seed, uint64(i)))

		g.Go(func() error {
			return w.vcpu(ctx, m, targets, total, rng)
		})
	}

	return g.Wait()
}

func (w Workload) vcpu(ctx context.Context, m *Machine, targets []target, total int, rng *rand.Rand) error {
	var (
		buf  [8]byte
		tick <-chan time.Time
	)

	if w.Interval > 0 {
		t := time.NewTicker(w.Interval)
		defer t.Stop()

		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}

		addr := pick(targets, rng.IntN(total))
		addr += uint64(rng.IntN(memory.PageSize/8)) * 8
		binary.LittleEndian.PutUint64(buf[:], rng.Uint64()|1)

		if err := m.store(addr, buf[:]); err != nil && !errors.Is(err, memory.ErrNoRange) {
			return fmt.Errorf("store at %#x: %w", addr, err)
		}
	}
}

// pick returns the address of the n-th writable page.
func pick(targets []target, n int) uint64 {
	for _, t := range targets {
		if n < t.pages {
			return t.base + uint64(n)<<memory.PageShift
		}

		n -= t.pages
	}

	return targets[0].base
}

// shadowROMs copies each shadowed ROM page into its shadow and switches
// the page to run from RAM with writes ignored.
func shadowROMs(m *Machine) error {
	var pages []uint64

	m.reg.Lock()
	m.reg.ForEachRange(func(r *memory.Range) bool {
		for i := 0; i < r.NumPages(); i++ {
			if r.Page(i).Kind() == memory.KindROMShadow {
				pages = append(pages, r.Addr(i))
			}
		}

		return true
	})
	m.reg.Unlock()

	page := make([]byte, memory.PageSize)

	for _, addr := range pages {
		if err := m.setProtection(addr, memory.PageSize, memory.ProtReadROMWriteRAM); err != nil {
			return err
		}

		if err := m.reg.GuestRead(addr, page); err != nil {
			return err
		}

		if err := m.store(addr, page); err != nil {
			return err
		}

		if err := m.setProtection(addr, memory.PageSize, memory.ProtReadRAMWriteIgnore); err != nil {
			return err
		}
	}

	if len(pages) > 0 {
		m.log.Debug("ROM shadowed", zap.Int("pages", len(pages)))
	}

	return nil
}

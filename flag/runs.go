package flag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/logging"
	"github.com/bobuhiro11/pgmsnap/machine"
	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/migration"
	"github.com/bobuhiro11/pgmsnap/probe"
	"github.com/bobuhiro11/pgmsnap/record"
	"github.com/bobuhiro11/pgmsnap/snapshot"
	"github.com/bobuhiro11/pgmsnap/vmm"
)

var errControl = errors.New("control command failed")

// resetVectorPage is the last page below 4 GiB, where the BIOS reset
// vector lives.
const resetVectorPage = 1<<32 - memory.PageSize

func Parse() error {
	c := CLI{}

	programName := "pgmsnap"
	programDesc := "pgmsnap captures and restores guest-physical memory of a running VM"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	switch c.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	err := ctx.Run(&c.Globals)

	return err
}

// setup builds the logger and an initialized VMM running w.
func (g *Globals) setup(w machine.Workload) (*vmm.VMM, *zap.Logger, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, nil, err
	}

	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}

	if g.Dev {
		cfg.Development = true
	}

	log, err := logging.New(logging.Config{
		ServiceName:   "pgmsnap",
		Level:         cfg.LogLevel,
		IsDevelopment: cfg.Development,
	})
	if err != nil {
		return nil, nil, err
	}

	ram, err := ParseSize(g.RAM, "m")
	if err != nil {
		return nil, nil, err
	}

	v := vmm.New(vmm.Config{
		LayoutFile: g.Layout,
		RAMSize:    uint64(ram),
		Workload:   w,
		KVMDev:     g.KVM,
		Engine:     cfg,
	}, log)

	if err := v.Init(); err != nil {
		return nil, nil, err
	}

	return v, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (r *RunCMD) Run(g *Globals) error {
	v, log, err := g.setup(r.workload())
	if err != nil {
		return err
	}
	defer v.Shutdown()
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()

	if r.Restore != "" {
		if err := v.Restore(ctx, r.Restore); err != nil {
			return err
		}
	}

	if err := v.Boot(ctx); err != nil {
		return err
	}

	path, err := v.StartControlSocket(ctx)
	if err != nil {
		return err
	}

	log.Info("control socket ready", zap.String("path", path))

	return v.Wait()
}

func (s *SaveCMD) Run(g *Globals) error {
	v, log, err := g.setup(s.workload())
	if err != nil {
		return err
	}
	defer v.Shutdown()
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()

	if err := v.Boot(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.After):
	}

	if err := v.Save(ctx, s.Output, s.Live); err != nil {
		return err
	}

	fi, err := os.Stat(s.Output)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s after %s guest stores\n",
		s.Output, humanize.IBytes(uint64(fi.Size())), humanize.Comma(int64(v.Stores())))

	return nil
}

func (r *RestoreCMD) Run(g *Globals) error {
	v, log, err := g.setup(machine.Workload{})
	if err != nil {
		return err
	}
	defer v.Shutdown()
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()

	if err := v.Restore(ctx, r.Input); err != nil {
		return err
	}

	reg := v.Registry()
	reg.Lock()
	defer reg.Unlock()

	reg.ForEachRange(func(rng *memory.Range) bool {
		states := map[memory.State]int{}

		for i := 0; i < rng.NumPages(); i++ {
			states[rng.Page(i).State()]++
		}

		fmt.Printf("%-10s %#010x %8s %-9v zero=%d allocated=%d shared=%d\n",
			rng.Name, rng.Base, humanize.IBytes(rng.Size), rng.Kind(),
			states[memory.StateZero], states[memory.StateAllocated]+states[memory.StateWriteMonitored],
			states[memory.StateShared])

		return true
	})

	return nil
}

func (c *InspectCMD) Run() error {
	var reset []byte

	m, err := vmm.Units(c.Input, func(h migration.UnitHeader, data []byte) error {
		fmt.Printf("unit %v: %s\n", h, humanize.IBytes(uint64(len(data))))

		if h.Name != snapshot.UnitName {
			return nil
		}

		counts := map[record.Tag]int{}

		err := snapshot.Inspect(bytes.NewReader(data), h.Version, snapshot.Visitor{
			Layout: func(descs []snapshot.RangeDesc) error {
				for _, d := range descs {
					fmt.Printf("  range %v\n", d)
				}

				return nil
			},
			Range: func(lr snapshot.LegacyRange) error {
				fmt.Printf("  range %v\n", lr)

				return nil
			},
			Record: func(rec record.Record) error {
				counts[rec.Tag]++

				if c.Records {
					fmt.Printf("    %v\n", rec)
				}

				if rec.Tag == record.TagROMVirgin && rec.Addr == resetVectorPage {
					reset = slices.Clone(rec.Data[snapshot.ResetVectorOffset:])
				}

				return nil
			},
		})
		if err != nil {
			return err
		}

		tags := make([]record.Tag, 0, len(counts))
		for t := range counts {
			tags = append(tags, t)
		}

		slices.Sort(tags)

		for _, t := range tags {
			fmt.Printf("  %-14v %s\n", t, humanize.Comma(int64(counts[t])))
		}

		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("machine %q session %s live=%t\n", m.Machine, m.Session, m.Live)

	if reset == nil || c.Disasm == 0 {
		return nil
	}

	lines, err := snapshot.DisassembleROM(reset, resetVectorPage+snapshot.ResetVectorOffset, c.Disasm)
	for _, l := range lines {
		fmt.Println(l)
	}

	return err
}

func control(pid int, cmd string) error {
	reply, err := vmm.Control(vmm.ControlSocketPath(pid), cmd)
	if err != nil {
		return err
	}

	fmt.Println(reply)

	if strings.HasPrefix(reply, "ERROR") {
		return fmt.Errorf("%w: %s", errControl, reply)
	}

	return nil
}

func (m *MigrateCMD) Run() error {
	return control(m.Pid, "MIGRATE "+m.Addr)
}

func (c *CtlCMD) Run() error {
	return control(c.Pid, strings.Join(c.Command, " "))
}

func (i *IncomingCMD) Run(g *Globals) error {
	v, log, err := g.setup(i.workload())
	if err != nil {
		return err
	}
	defer v.Shutdown()
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()

	if err := v.Incoming(ctx, i.Listen); err != nil {
		return err
	}

	path, err := v.StartControlSocket(ctx)
	if err != nil {
		return err
	}

	log.Info("control socket ready", zap.String("path", path))

	return v.Wait()
}

func (p *ProbeCMD) Run() error {
	return probe.KVMCapabilities(p.Device, os.Stdout)
}

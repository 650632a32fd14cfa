package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bobuhiro11/pgmsnap/machine"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// Globals are the options shared by every command.
type Globals struct {
	Layout   string `short:"l" type:"existingfile" help:"machine layout (TOML), defaults to a PC-like layout"`
	RAM      string `short:"m" default:"8" help:"RAM size of the default layout: number[gGmMkK], defaults to M"`
	KVM      string `help:"log guest writes through this KVM device, e.g. /dev/kvm"`
	LogLevel string `help:"log level, overrides PGMSNAP_LOG_LEVEL"`
	Dev      bool   `help:"human readable logs"`
	Profile  string `enum:"none,cpu,mem" default:"none" help:"write a pprof profile of this run (none, cpu, mem)"`
}

// WorkloadFlags configure the vCPUs that dirty guest memory.
type WorkloadFlags struct {
	Workers  int           `short:"c" default:"1" help:"number of vCPUs"`
	Interval time.Duration `default:"1ms" help:"pause between two stores of one vCPU, 0 to spin"`
	HotPages int           `default:"256" help:"pages the vCPUs write to, 0 for all of RAM"`
	Seed     uint64        `help:"workload random seed"`
	NoShadow bool          `help:"do not shadow the BIOS at boot"`
}

func (w WorkloadFlags) workload() machine.Workload {
	return machine.Workload{
		Workers:    w.Workers,
		Interval:   w.Interval,
		HotPages:   w.HotPages,
		Seed:       w.Seed,
		ShadowBIOS: !w.NoShadow,
	}
}

type CLI struct {
	Globals

	Run      RunCMD      `cmd:"" help:"boot a guest and serve its control socket"`
	Save     SaveCMD     `cmd:"" help:"boot a guest, let it run, and save its memory"`
	Restore  RestoreCMD  `cmd:"" help:"load a snapshot into a fresh guest and summarize it"`
	Inspect  InspectCMD  `cmd:"" help:"print the contents of a snapshot file"`
	Migrate  MigrateCMD  `cmd:"" help:"live-migrate a running guest to another host"`
	Incoming IncomingCMD `cmd:"" help:"wait for an incoming migration and run the guest"`
	Ctl      CtlCMD      `cmd:"" help:"send a command to a running guest"`
	Probe    ProbeCMD    `cmd:"" help:"print the KVM capabilities dirty logging needs"`
}

type RunCMD struct {
	WorkloadFlags `embed:""`

	Restore string `short:"r" type:"existingfile" help:"load this snapshot before booting"`
}

type SaveCMD struct {
	WorkloadFlags `embed:""`

	Output string        `arg:"" help:"snapshot file to write"`
	Live   bool          `help:"save while the guest runs"`
	After  time.Duration `default:"100ms" help:"how long the guest runs before the save"`
}

type RestoreCMD struct {
	Input string `arg:"" type:"existingfile" help:"snapshot file to load"`
}

type InspectCMD struct {
	Input   string `arg:"" type:"existingfile" help:"snapshot file"`
	Records bool   `help:"list every page record"`
	Disasm  int    `default:"4" help:"instructions to disassemble at the reset vector, 0 to skip"`
}

type MigrateCMD struct {
	Pid  int    `arg:"" help:"pid of the running pgmsnap"`
	Addr string `arg:"" help:"host:port of the incoming side"`
}

type IncomingCMD struct {
	WorkloadFlags `embed:""`

	Listen string `default:":7000" help:"address to accept the migration on"`
}

type CtlCMD struct {
	Pid     int      `arg:"" help:"pid of the running pgmsnap"`
	Command []string `arg:"" help:"SAVE <path>, SAVE-LIVE <path>, MIGRATE <addr> or STATS"`
}

type ProbeCMD struct {
	Device string `default:"/dev/kvm" help:"path of kvm device"`
}

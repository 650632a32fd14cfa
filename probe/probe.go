// Package probe reports what the host KVM offers for dirty-logged guest
// memory.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/pgmsnap/kvm"
)

// Capability is a KVM extension the dirty log relies on.
type Capability struct {
	Name string
	Cap  uintptr
	// Count marks capabilities whose value is a number, not a flag.
	Count bool
}

// Capabilities lists the extensions KVMCapabilities checks.
var Capabilities = []Capability{
	{Name: "KVM_CAP_USER_MEMORY", Cap: kvm.CapUserMemory},
	{Name: "KVM_CAP_NR_MEMSLOTS", Cap: kvm.CapNrMemslots, Count: true},
	{Name: "KVM_CAP_SYNC_MMU", Cap: kvm.CapSyncMMU},
	{Name: "KVM_CAP_READONLY_MEM", Cap: kvm.CapReadonlyMem},
	{Name: "KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2", Cap: kvm.CapManualDirtyLogProtect2},
	{Name: "KVM_CAP_DIRTY_LOG_RING", Cap: kvm.CapDirtyLogRing, Count: true},
}

// Result is the value KVM_CHECK_EXTENSION returned for one capability.
type Result struct {
	Capability
	Value uintptr
}

// KVMCapabilities queries the KVM device at path and prints the result
// to w.
func KVMCapabilities(path string, w io.Writer) error {
	dev, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dev.Close()

	version, err := kvm.GetAPIVersion(dev.Fd())
	if err != nil {
		return fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	results := make([]Result, 0, len(Capabilities))

	for _, c := range Capabilities {
		v, err := kvm.CheckExtension(dev.Fd(), c.Cap)
		if err != nil {
			return fmt.Errorf("KVM_CHECK_EXTENSION %s: %w", c.Name, err)
		}

		results = append(results, Result{Capability: c, Value: v})
	}

	fmt.Fprintf(w, "%s: API version %d\n", path, version)
	Print(w, results)

	return nil
}

// Print writes results as an enabled and a disabled list.
func Print(w io.Writer, results []Result) {
	enabled := []string{}
	disabled := []string{}

	for _, r := range results {
		switch {
		case r.Value == 0:
			disabled = append(disabled, r.Name)
		case r.Count:
			enabled = append(enabled, fmt.Sprintf("%s=%d", r.Name, r.Value))
		default:
			enabled = append(enabled, r.Name)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, s := range enabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, s := range disabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n")
}

package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VM is a KVM virtual machine used only for its memory slots.
type VM struct {
	dev *os.File
	fd  uintptr

	slots map[uint32]uint64
}

// Open creates a VM on the KVM device at path.
func Open(path string) (*VM, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	v, err := GetAPIVersion(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if v != APIVersion {
		dev.Close()

		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAPIVersion, v)
	}

	if ok, err := CheckExtension(dev.Fd(), CapUserMemory); err != nil || ok == 0 {
		dev.Close()

		return nil, fmt.Errorf("%w: %v", ErrNoUserMemory, err)
	}

	fd, err := CreateVM(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	return &VM{dev: dev, fd: fd, slots: map[uint32]uint64{}}, nil
}

// Fd returns the VM file descriptor.
func (vm *VM) Fd() uintptr { return vm.fd }

// AddSlot maps mem at guest-physical gpa with dirty logging enabled.
func (vm *VM) AddSlot(slot uint32, gpa uint64, mem []byte) error {
	region := &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	region.SetMemLogDirtyPages()

	if err := SetUserMemoryRegion(vm.fd, region); err != nil {
		return fmt.Errorf("slot %d at %#x: %w", slot, gpa, err)
	}

	vm.slots[slot] = region.MemorySize

	return nil
}

// RemoveSlot unmaps slot.
func (vm *VM) RemoveSlot(slot uint32) error {
	if _, ok := vm.slots[slot]; !ok {
		return nil
	}

	if err := SetUserMemoryRegion(vm.fd, &UserspaceMemoryRegion{Slot: slot}); err != nil {
		return fmt.Errorf("remove slot %d: %w", slot, err)
	}

	delete(vm.slots, slot)

	return nil
}

// DirtyLog returns the pages of slot written since the previous call.
func (vm *VM) DirtyLog(slot uint32) ([]uint64, error) {
	size, ok := vm.slots[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", slot, unix.ENOENT)
	}

	bitmap := make([]uint64, BitmapWords(size))

	if err := GetDirtyLog(vm.fd, slot, bitmap); err != nil {
		return nil, fmt.Errorf("KVM_GET_DIRTY_LOG slot %d: %w", slot, err)
	}

	return bitmap, nil
}

func (vm *VM) Close() error {
	err := unix.Close(int(vm.fd))

	if cerr := vm.dev.Close(); err == nil {
		err = cerr
	}

	return err
}

package kvm

import "unsafe"

// UserSpaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memReadonly
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
// A region with MemorySize 0 deletes the slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is struct kvm_dirty_log.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// BitmapWords returns the number of 64-bit words a dirty bitmap for size
// bytes of guest memory needs.
func BitmapWords(size uint64) int {
	pages := (size + 4095) / 4096

	return int((pages + 63) / 64)
}

// GetDirtyLog fills bitmap with one bit per page of slot written by the
// guest since the previous call, and clears the log in the kernel.
func GetDirtyLog(vmFd uintptr, slot uint32, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	dl := &DirtyLog{
		Slot:   slot,
		BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	_, err := Ioctl(vmFd, uintptr(kvmGetDirtyLog), uintptr(unsafe.Pointer(dl)))

	return err
}

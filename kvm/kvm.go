// Package kvm is the small slice of the KVM API the snapshot engine needs:
// a VM with user memory slots whose guest writes are logged.
package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetDirtyLog         = 0x4010AE42
	kvmSetUserMemoryRegion = 0x4020AE46

	// APIVersion is the only KVM API version there is.
	APIVersion = 12
)

// Capabilities for CheckExtension.
const (
	CapUserMemory             = 3
	CapNrMemslots             = 10
	CapSyncMMU                = 16
	CapReadonlyMem            = 81
	CapManualDirtyLogProtect2 = 168
	CapDirtyLogRing           = 192
)

// Ioctl issues an ioctl and retries it while it is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)

		switch {
		case errno == 0:
			return res, nil
		case errors.Is(errno, unix.EINTR):
			continue
		default:
			return res, errno
		}
	}
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetAPIVersion), uintptr(0))
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

// CheckExtension returns the value of capability cap, 0 when unsupported.
func CheckExtension(kvmFd uintptr, cap uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCheckExtension), cap)
}

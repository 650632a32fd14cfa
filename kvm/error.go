package kvm

import "errors"

var (
	// ErrUnsupportedAPIVersion is returned by Open for a KVM that does not
	// speak APIVersion.
	ErrUnsupportedAPIVersion = errors.New("unsupported kvm api version")

	// ErrNoUserMemory is returned by Open when KVM cannot map user memory.
	ErrNoUserMemory = errors.New("kvm lacks user memory slots")
)

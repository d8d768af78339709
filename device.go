package elkvm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// minAPIVersion is the KVM_GET_API_VERSION value every supported kernel
// reports; libelkvm (like the original) refuses to run against anything
// else rather than guess at behavioral drift.
const minAPIVersion = 12

// OpenDevice opens /dev/kvm and checks it reports the API version this
// package relies on, matching the original's kvm_init check. No
// KVM_CHECK_EXTENSION queries are made.
func OpenDevice() (*os.File, error) {
	f, err := os.OpenFile("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/kvm: %v: %w", err, ErrHostCallFailure)
	}

	fd := int(f.Fd())
	version, err := ioctlNoArg(fd, kvmGetAPIVersion, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %v: %w", err, ErrHostCallFailure)
	}
	if int(version) != minAPIVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported KVM API version %d (want %d): %w",
			version, minAPIVersion, ErrHostCallFailure)
	}

	return f, nil
}

//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// limitAddressSpace caps the process address space at what the Go runtime
// has already mapped plus headroom. Past it, allocation is fatal to the
// worker only.
func limitAddressSpace(headroom int64) error {
	used, err := mappedBytes()
	if err != nil {
		return err
	}
	limit := uint64(used + headroom)
	return unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit})
}

// mappedBytes reads the current virtual size from /proc/self/statm.
func mappedBytes() (int64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/self/statm")
	}
	pages, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing /proc/self/statm: %w", err)
	}
	return pages * int64(os.Getpagesize()), nil
}

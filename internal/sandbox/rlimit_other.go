//go:build !linux

package sandbox

// limitAddressSpace is a no-op off Linux; the worker relies on the soft
// runtime memory limit alone.
func limitAddressSpace(int64) error { return nil }

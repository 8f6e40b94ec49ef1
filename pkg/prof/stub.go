//go:build !profile

package prof

import "net/http"

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Profiling errors, never returned without the "profile" tag.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Profile names a runtime/pprof profile.
type Profile string

// Snapshot profiles. CPU profiles go through StartCPU instead.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// StartCPU is a no-op.
func StartCPU(string) error { return nil }

// StopCPU is a no-op.
func StopCPU() error { return nil }

// Write is a no-op.
func Write(Profile, string) error { return nil }

// Register mounts nothing.
func Register(*http.ServeMux) {}

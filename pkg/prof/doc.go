// Package prof wraps [runtime/pprof] for the simulator command.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/ohcisim
//
// Without the tag every function is a no-op and [Enabled] is false, so
// callers keep their profiling hooks in place at no cost.
//
// A CPU profile runs between [StartCPU] and [StopCPU]. Other profiles are
// snapshots written with [Write]. [Register] mounts the [net/http/pprof]
// handlers on a caller's mux, next to whatever else it serves.
package prof

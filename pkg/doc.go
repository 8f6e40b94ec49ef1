// Package pkg provides shared utilities for the softohci host controller
// driver.
//
// This package contains common functionality used across the driver, its
// controller model and the command-line tools, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for transfer outcomes and resource exhaustion
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentScheduler, "endpoint placed", "slot", 17)
//
// # Errors
//
// Transfer outcomes and driver failures are sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Clear the halt after resolving the stall
//	}
package pkg

// Command ohcisim runs the OHCI host controller driver against a simulated
// controller.
//
// Usage:
//
//	ohcisim schedule --endpoint interrupt:8:10 --endpoint interrupt:64:1:low
//	ohcisim run --transfers 100 --metrics-addr :9464
//	ohcisim version
//
// schedule opens the given endpoints and prints where the periodic
// scheduler placed them and the resulting load per interrupt table entry.
// run attaches a loopback device, enumerates it and moves data through
// bulk and interrupt pipes while the frame engine runs in real time,
// optionally exposing the driver's Prometheus metrics over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}

// Package ohcisim is a software OHCI host controller for exercising the
// ohci driver without hardware.
//
// A [Controller] implements the operational register block with its
// write-1-to-set and write-1-to-clear semantics, a root hub whose ports
// accept scripted [Device] implementations, and a frame engine. Each
// [Controller.Step] is one 1 ms frame: the control list, the interrupt
// chain of the current HCCA table entry and the bulk list are walked in
// [Arena] memory, transactions are run against attached devices, retired
// TDs are written to the done queue and pending interrupts are delivered
// to the installed handler.
//
// [Controller.Delay] advances whole frames and is meant for the driver's
// Config.Delay, so code that waits for a frame boundary makes progress
// deterministically. [Controller.Run] steps frames in real time instead.
//
// [Function] is a device that answers the standard enumeration requests
// and moves data through per-endpoint queues; it can also NAK, stall or
// stop answering on demand. [Bus] bundles an arena, a controller and a
// carved memory layout into a ready driver configuration.
package ohcisim

// Package ohci is a host controller driver for OHCI (Open Host Controller
// Interface) USB 1.1 controllers.
//
// The driver owns the data structures the controller walks on its own:
// endpoint descriptors (EDs) linked into the control list, the bulk list
// and a 63-node binary tree of interrupt lists hanging off the 32-entry
// interrupt table in the HCCA, and the transfer descriptors (TDs) queued
// on each ED. It never touches the bus directly; everything reaches the
// controller through the [Registers] and [Memory] interfaces, so the same
// code runs against memory-mapped hardware or the software controller in
// the ohcisim package.
//
// # Memory
//
// Descriptors come from fixed-size [Pool] implementations. [Carve] splits
// one DMA region into the HCCA, the descriptor pools, an optional pool of
// bounce buffers and the remaining data area. When Config.DataRegion is
// set, transfer buffers outside it are copied through a bounce buffer and
// only as much as one buffer holds is queued per submission.
//
// # Transfers
//
// [Driver.Submit] splits a buffer into TDs no larger than the controller
// can address, appends them to the endpoint and returns a [URB]. The
// controller retires TDs onto the done queue; [Driver.HandleInterrupt]
// reverses it, resolves every TD to its owner, unwinds transfers that
// ended early and invokes Config.OnComplete once per transfer. The caller
// then collects the result with [Driver.Complete]. [Driver.Abort] cancels
// a queued transfer.
//
// # Interrupt endpoints
//
// [Driver.OpenEndpoint] places an interrupt endpoint at the deepest tree
// level whose period does not exceed its interval, choosing the node whose
// busiest 32 ms branch is the least loaded and refusing the endpoint with
// pkg.ErrBandwidth when that branch cannot take it.
//
// # Concurrency
//
// One mutex guards the lists, the tree and every TD queue; it is never
// held across a frame boundary. Operations that wait for the controller to
// leave an endpoint (closing it, aborting a transfer, suspending the bus)
// fail with [ErrInterruptContext] when called from the interrupt handler
// or the callbacks it invokes.
//
// [HostHAL] adapts a driver to the hal.HostHAL interface.
package ohci

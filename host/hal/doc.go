// Package hal defines the interface between a USB host stack and a host
// controller driver.
//
// The host stack owns USB protocol logic: enumeration, descriptors, class
// drivers. A [HostHAL] only moves transactions and reports port state, so
// the same stack runs over any controller that implements it. The OHCI
// driver in [github.com/ardnew/softohci/host/hal/ohci] provides one.
//
// Drivers that schedule periodic endpoints themselves also implement
// [EndpointConfigurer] so the stack can hand over endpoint descriptors
// before the first transfer.
//
// The package also carries the wire types both sides share: [SetupPacket]
// with the standard request constants, and [EndpointDescriptor].
package hal

package ohci

// Registers is the memory-mapped operational register block of an OHCI
// controller. Offsets are byte offsets from the block base.
//
// Writes follow the hardware semantics of each register: CommandStatus bits
// are write-1-to-set, InterruptStatus and the root-hub change bits are
// write-1-to-clear, InterruptEnable and InterruptDisable set and clear the
// same enable mask.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Register offsets.
const (
	RegRevision         uint32 = 0x00
	RegControl          uint32 = 0x04
	RegCommandStatus    uint32 = 0x08
	RegInterruptStatus  uint32 = 0x0C
	RegInterruptEnable  uint32 = 0x10
	RegInterruptDisable uint32 = 0x14
	RegHCCA             uint32 = 0x18
	RegPeriodCurrentED  uint32 = 0x1C
	RegControlHeadED    uint32 = 0x20
	RegControlCurED     uint32 = 0x24
	RegBulkHeadED       uint32 = 0x28
	RegBulkCurED        uint32 = 0x2C
	RegDoneHead         uint32 = 0x30
	RegFmInterval       uint32 = 0x34
	RegFmRemaining      uint32 = 0x38
	RegFmNumber         uint32 = 0x3C
	RegPeriodicStart    uint32 = 0x40
	RegLSThreshold      uint32 = 0x44
	RegRhDescriptorA    uint32 = 0x48
	RegRhDescriptorB    uint32 = 0x4C
	RegRhStatus         uint32 = 0x50
	RegRhPortStatus     uint32 = 0x54 // first port; port n (1-based) at 0x54 + 4*(n-1)

	// RegBlockSize spans the operational registers for 15 ports.
	RegBlockSize uint32 = 0x54 + 4*MaxPorts
)

// MaxPorts is the largest root-hub port count the register block can
// describe.
const MaxPorts = 15

// PortReg returns the offset of the status register of a 1-based port.
func PortReg(port int) uint32 {
	return RegRhPortStatus + 4*uint32(port-1)
}

// HcRevision fields.
const (
	RevisionMask uint32 = 0xFF
)

// HcControl fields.
const (
	CtrlBulkRatioMask uint32 = 0x3
	CtrlPLE           uint32 = 1 << 2 // periodic list enable
	CtrlIE            uint32 = 1 << 3 // isochronous enable
	CtrlCLE           uint32 = 1 << 4 // control list enable
	CtrlBLE           uint32 = 1 << 5 // bulk list enable
	CtrlAllListsMask  uint32 = 0xF << 2

	CtrlHCFSMask        uint32 = 0x3 << 6
	CtrlHCFSReset       uint32 = 0
	CtrlHCFSResume      uint32 = 1 << 6
	CtrlHCFSOperational uint32 = 2 << 6
	CtrlHCFSSuspend     uint32 = 3 << 6

	CtrlIR  uint32 = 1 << 8  // interrupt routing
	CtrlRWC uint32 = 1 << 9  // remote wakeup connected
	CtrlRWE uint32 = 1 << 10 // remote wakeup enable
)

// HcCommandStatus fields.
const (
	CmdHCR      uint32 = 1 << 0 // host controller reset
	CmdCLF      uint32 = 1 << 1 // control list filled
	CmdBLF      uint32 = 1 << 2 // bulk list filled
	CmdOCR      uint32 = 1 << 3 // ownership change request
	CmdSOCMask  uint32 = 0x3 << 16
	CmdSOCShift        = 16
)

// Interrupt bits shared by HcInterruptStatus, HcInterruptEnable and
// HcInterruptDisable.
const (
	IntSO   uint32 = 1 << 0 // scheduling overrun
	IntWDH  uint32 = 1 << 1 // writeback done head
	IntSF   uint32 = 1 << 2 // start of frame
	IntRD   uint32 = 1 << 3 // resume detected
	IntUE   uint32 = 1 << 4 // unrecoverable error
	IntFNO  uint32 = 1 << 5 // frame number overflow
	IntRHSC uint32 = 1 << 6 // root hub status change
	IntOC   uint32 = 1 << 30
	IntMIE  uint32 = 1 << 31
	IntAll  uint32 = 0x7F | 0x3<<30
)

// DoneHeadMask extracts the TD address from a done-head value. Bit 0 of the
// HCCA copy flags that other interrupt conditions are also pending.
const DoneHeadMask uint32 = 0xFFFFFFF0

// Frame timing fields and defaults for a 12 MHz full-speed bus.
const (
	FmIntervalMask   uint32 = 0x3FFF
	FmFSMPSShift            = 16
	FmFSMPSMask      uint32 = 0x7FFF << FmFSMPSShift
	FmIntervalToggle uint32 = 1 << 31
	FmNumberMask     uint32 = 0xFFFF
	PeriodicMask     uint32 = 0x3FFF
	LSThresholdMask  uint32 = 0xFFF

	// DefaultFrameInterval is the bit-time count of one 1 ms frame, minus one.
	DefaultFrameInterval uint32 = 11999

	// frameOverhead is the bit-time cost of SOF and EOF guard bands used to
	// derive the largest full-speed data packet.
	frameOverhead uint32 = 210
)

// HcRhDescriptorA fields.
const (
	RhaNDPMask     uint32 = 0xFF
	RhaPSM         uint32 = 1 << 8  // per-port power switching
	RhaNPS         uint32 = 1 << 9  // no power switching
	RhaDT          uint32 = 1 << 10 // compound device
	RhaOCPM        uint32 = 1 << 11 // per-port over-current protection
	RhaNOCP        uint32 = 1 << 12 // no over-current protection
	RhaPOTPGTShift        = 24
	RhaPOTPGTMask  uint32 = 0xFF << RhaPOTPGTShift
)

// HcRhDescriptorB fields.
const (
	RhbDRMask    uint32 = 0xFFFF
	RhbPPCMShift        = 16
	RhbPPCMMask  uint32 = 0xFFFF << RhbPPCMShift
)

// HcRhStatus fields. Several bits have different meanings on read and write.
const (
	RhsLPS   uint32 = 1 << 0  // read: local power status
	RhsClrGP uint32 = 1 << 0  // write: clear global power
	RhsOCI   uint32 = 1 << 1  // over-current indicator
	RhsDRWE  uint32 = 1 << 15 // device remote wakeup enable
	RhsLPSC  uint32 = 1 << 16 // read: local power status change
	RhsSetGP uint32 = 1 << 16 // write: set global power
	RhsOCIC  uint32 = 1 << 17 // over-current indicator change
	RhsCRWE  uint32 = 1 << 31 // write: clear remote wakeup enable
)

// HcRhPortStatus fields. Writes use the alternate names.
const (
	PortCCS  uint32 = 1 << 0 // read: current connect status; write: clear port enable
	PortPES  uint32 = 1 << 1 // read: port enabled; write: set port enable
	PortPSS  uint32 = 1 << 2 // read: port suspended; write: set suspend
	PortPOCI uint32 = 1 << 3 // read: over-current; write: clear suspend
	PortPRS  uint32 = 1 << 4 // read: reset in progress; write: start reset
	PortPPS  uint32 = 1 << 8 // read: port power; write: set port power
	PortLSDA uint32 = 1 << 9 // read: low-speed device; write: clear port power

	PortCSC  uint32 = 1 << 16
	PortPESC uint32 = 1 << 17
	PortPSSC uint32 = 1 << 18
	PortOCIC uint32 = 1 << 19
	PortPRSC uint32 = 1 << 20

	PortStateMask  uint32 = 0xFFFF
	PortChangeMask uint32 = 0xFFFF << 16
)

// fmIntervalValue computes the HcFmInterval programming for a frame
// interval: the largest full-speed packet in bit times goes to FSMPS.
func fmIntervalValue(interval uint32) uint32 {
	fsmps := ((interval - frameOverhead) * 6) / 7
	return fsmps<<FmFSMPSShift | interval&FmIntervalMask
}

// periodicStartValue returns the 90% point of the frame.
func periodicStartValue(interval uint32) uint32 {
	return (interval * 9 / 10) & PeriodicMask
}

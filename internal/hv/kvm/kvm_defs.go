//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetTssAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIrqchip       = 0xae60
	kvmCreatePit2          = 0x4040ae77
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmIrqfd               = 0x4020ae76
	kvmIoeventfd           = 0x4040ae79

	kvmCapIrqchip    = 0
	kvmCapNrMemslots = 10
	kvmCapIrqfd      = 32
	kvmCapIoeventfd  = 36
)

const (
	kvmIrqfdFlagDeassign = 1 << 0

	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPio       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmIrqfdArgs struct {
	Fd         uint32
	Gsi        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]uint8
}

type kvmIoeventfdArgs struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]uint8
}

type kvmPitConfig struct {
	Flags uint32
	_     [15]uint32
}

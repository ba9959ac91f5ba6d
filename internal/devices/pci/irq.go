package pci

// Irq describes how one device's INTA# pin is routed, as published in the
// MP table interrupt source entries.
type Irq struct {
	pciID  uint8
	intPin uint8
	irq    uint8
}

// NewIrq routes pin A of device pciID to line irq.
func NewIrq(pciID, irq uint8) Irq {
	return Irq{pciID: pciID, intPin: interruptPinINTA, irq: irq}
}

func (i Irq) PciID() uint8 { return i.pciID }

// SrcBusIrq encodes the device number and pin as the MP table expects:
// bits 2..6 are the device and bits 0..1 the pin minus one.
func (i Irq) SrcBusIrq() uint8 {
	return i.pciID<<2 | (i.intPin - 1)
}

// IrqLine is the interrupt controller input the pin is wired to.
func (i Irq) IrqLine() uint8 { return i.irq }

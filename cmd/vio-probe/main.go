// Command vio-probe builds the PC I/O topology on a real KVM virtual machine
// and walks the PCI bus through the legacy configuration ports, the way
// firmware would, printing what a guest would discover.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vio/internal/config"
	"github.com/tinyrange/vio/internal/devices/pci"
	"github.com/tinyrange/vio/internal/hv/factory"
	"github.com/tinyrange/vio/internal/iomanager"
	"github.com/tinyrange/vio/internal/memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vio-probe: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "Layout file (default: built-in 512MB machine with one rng device)")
	dump := flag.Bool("dump-config", false, "Print the effective layout and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach virtio devices to a KVM virtual machine and enumerate its PCI bus.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dump {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	vm, err := factory.NewVM()
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer closeInto(&err, vm)

	ram, err := memory.AllocateGuestRAM(cfg.Layout())
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	defer closeInto(&err, ram)
	if err := ram.RegisterWith(vm); err != nil {
		return err
	}
	slog.Info("guest memory registered", "size", cfg.Memory.HR(), "regions", ram.RegionCount())

	reset, err := eventfd.Create()
	if err != nil {
		return fmt.Errorf("create reset eventfd: %w", err)
	}
	defer reset.Close()

	allocator := iomanager.NewIoAllocator(cfg.PciMmioBase, cfg.PciMmioSize.Bytes(), cfg.IrqBase, cfg.IrqMax)
	iom, err := iomanager.New(vm, ram, iomanager.WithAllocator(allocator))
	if err != nil {
		return err
	}
	defer closeInto(&err, iom)

	if err := iom.RegisterLegacyDevices(reset); err != nil {
		return err
	}

	var devices []*probeDevice
	defer func() {
		for _, d := range devices {
			if stopErr := d.stop(); stopErr != nil {
				err = multierror.Append(err, stopErr)
			}
		}
	}()
	for _, d := range cfg.Devices {
		dev, err := newProbeDevice(d)
		if err != nil {
			return err
		}
		if _, err := iom.AddVirtioDevice(dev); err != nil {
			return err
		}
		devices = append(devices, dev)
	}

	printClock(os.Stdout, iom)
	return printPciBus(os.Stdout, iom)
}

func closeInto(err *error, c io.Closer) {
	if cerr := c.Close(); cerr != nil {
		*err = multierror.Append(*err, cerr)
	}
}

// configReader reads configuration space through ports 0xcf8/0xcfc.
type configReader struct {
	iom *iomanager.IoManager
}

func (r configReader) read32(device uint8, reg uint8) uint32 {
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, 0x80000000|uint32(device)<<11|uint32(reg&^3))
	r.iom.PioWrite(pci.ConfigAddressPort, addr)
	data := make([]byte, 4)
	r.iom.PioRead(pci.ConfigAddressPort+4, data)
	return binary.LittleEndian.Uint32(data)
}

func (r configReader) read8(device uint8, reg uint8) uint8 {
	return uint8(r.read32(device, reg) >> (8 * (reg & 3)))
}

// capabilities follows the capability list from register 0x34.
func (r configReader) capabilities(device uint8) []string {
	var caps []string
	next := r.read8(device, 0x34)
	for seen := 0; next != 0 && seen < 48; seen++ {
		id := r.read8(device, next)
		caps = append(caps, fmt.Sprintf("%#02x@%#02x", id, next))
		next = r.read8(device, next+1)
	}
	return caps
}

func printPciBus(w io.Writer, iom *iomanager.IoManager) error {
	r := configReader{iom: iom}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tVENDOR\tDEVICE\tCLASS\tBAR0\tIRQ\tCAPS")
	for dev := uint8(0); dev < pci.MaxDevices; dev++ {
		id := r.read32(dev, 0x00)
		if id == 0xffffffff {
			continue
		}
		class := r.read32(dev, 0x08) >> 16
		bar0 := r.read32(dev, 0x10) &^ 0xf
		irq := r.read8(dev, 0x3c)
		fmt.Fprintf(tw, "%s\t%04x\t%04x\t%04x\t%#x\t%d\t%v\n",
			pci.NewAddress(0, dev, 0), id&0xffff, id>>16, class, bar0, irq, r.capabilities(dev))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, irq := range iom.PciIrqs() {
		fmt.Fprintf(w, "mp irq: device %d src_bus_irq %#x -> line %d\n", irq.PciID(), irq.SrcBusIrq(), irq.IrqLine())
	}
	return nil
}

func printClock(w io.Writer, iom *iomanager.IoManager) {
	read := func(idx byte) byte {
		iom.PioWrite(iomanager.RtcPort, []byte{idx})
		buf := []byte{0}
		iom.PioRead(iomanager.RtcPort+1, buf)
		return buf[0]
	}
	fmt.Fprintf(w, "rtc: %02x%02x-%02x-%02x %02x:%02x:%02x UTC\n",
		read(0x32), read(0x09), read(0x08), read(0x07), read(0x04), read(0x02), read(0x00))
}

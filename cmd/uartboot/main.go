// Command uartboot programs and inspects a Dialog SC14441-class
// microcontroller over a serial UART line: it drives the mask-ROM
// bootloader to upload a second-stage loader, then speaks that loader's
// framed request/response protocol to read chip identity, query flash
// geometry, read/erase/program flash, and checksum remote regions.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	logrus "github.com/sirupsen/logrus"

	"github.com/tobleminer/uartboot/pkg/link"
	"github.com/tobleminer/uartboot/pkg/protocol"
	"github.com/tobleminer/uartboot/pkg/romboot"
	"github.com/tobleminer/uartboot/pkg/session"
	"github.com/tobleminer/uartboot/pkg/transfer"
)

var (
	port            = flag.String("port", "/dev/ttyUSB0", "Serial device path")
	baudrate        = flag.Int("baudrate", 230400, "Operating baud rate")
	loaderPath      = flag.String("loader", "", "Path to second-stage loader image")
	skipLoader      = flag.Bool("skip-loader", false, "Skip uploading the second-stage loader")
	initialBaudrate = flag.Int("initial-baudrate", int(romboot.BaudRate), "Baud rate used for initial communication")
	verbose         = flag.Bool("v", false, "Enable verbose protocol-level logging")
)

type cliCommand struct {
	usage string
	run   func(sess *session.Session, args []string) error
}

var commands = map[string]cliCommand{
	"chip_id":     {usage: "chip_id", run: runChipID},
	"flash_info":  {usage: "flash_info", run: runFlashInfo},
	"read_flash":  {usage: "read_flash <file> [<offset> [<length>]]", run: runReadFlash},
	"write_flash": {usage: "write_flash <file> [<offset> [<length>]]", run: runWriteFlash},
	"reset":       {usage: "reset", run: nil}, // handled before a session is opened
	"read_mem":    {usage: "read_mem <file> <offset> <length>", run: runReadMem},
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	flag.Usage = printUsage
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	name := args[0]
	rest := args[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "uartboot: unknown command %q\n", name)
		printUsage()
		os.Exit(1)
	}

	if name == "reset" {
		if err := runReset(); err != nil {
			log.Fatalf("reset failed: %v", err)
		}
		return
	}

	if !*skipLoader {
		if *loaderPath == "" {
			log.Fatalf("--loader is required unless --skip-loader is set")
		}
		if err := uploadLoader(); err != nil {
			log.Fatalf("loader upload failed: %v", err)
		}
	}

	sess, err := session.Open(*port, uint32(*initialBaudrate), debugSink)
	if err != nil {
		log.Fatalf("failed to open loader session: %v", err)
	}
	defer sess.Close()

	if !sess.Sync(3) {
		log.Fatalf("failed to synchronize with loader")
	}

	if sess.Baud() != uint32(*baudrate) {
		log.Printf("changing baudrate %d -> %d", sess.Baud(), *baudrate)
		if !sess.SetBaudrate(uint32(*baudrate)) {
			log.Fatalf("failed to synchronize with loader after baudrate change")
		}
	}

	if err := cmd.run(sess, rest); err != nil {
		log.Fatalf("%s failed: %v", name, err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "usage: uartboot [flags] <command> [args]\n\ncommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", cmd.usage)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n")
	flag.PrintDefaults()
}

func debugSink(data []byte) {
	os.Stdout.Write(data)
}

func openROMLink() (*link.Link, error) {
	return link.Open(*port, uint32(*initialBaudrate), time.Second)
}

func uploadLoader() error {
	link, err := openROMLink()
	if err != nil {
		return err
	}
	defer link.Close()

	bootrom := romboot.New(link)
	return bootrom.UploadFile(*loaderPath, os.ReadFile)
}

func runReset() error {
	link, err := openROMLink()
	if err != nil {
		return err
	}
	defer link.Close()
	return romboot.New(link).Reset()
}

func parseOffset(s string) (uint32, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric argument %q: %w", s, err)
	}
	return uint32(v), nil
}

func runChipID(sess *session.Session, args []string) error {
	resp, err := sess.Request(protocol.ChipIDCommand{})
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindChipID {
		return fmt.Errorf("unexpected response kind %d to chip_id", resp.Kind)
	}
	fmt.Printf("chip id: %s, mem size: 0x%02x, revision: %s\n", resp.ChipIDString(), resp.MemSize, resp.RevisionString())
	return nil
}

func runFlashInfo(sess *session.Session, args []string) error {
	resp, err := sess.Request(protocol.FlashInfoCommand{})
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindFlashInfo {
		return fmt.Errorf("unexpected response kind %d to flash_info", resp.Kind)
	}
	fmt.Printf("flash size: %d bytes\n", resp.Value)
	return nil
}

func runReadFlash(sess *session.Session, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: read_flash <file> [<offset> [<length>]]")
	}
	filename := args[0]

	var offset uint32
	if len(args) > 1 {
		var err error
		if offset, err = parseOffset(args[1]); err != nil {
			return err
		}
	}

	var length uint32
	if len(args) > 2 {
		var err error
		if length, err = parseOffset(args[2]); err != nil {
			return err
		}
	} else {
		resp, err := sess.Request(protocol.FlashInfoCommand{})
		if err != nil || resp.Kind != protocol.KindFlashInfo {
			return fmt.Errorf("failed to determine flash size, must specify read length manually")
		}
		length = resp.Value
	}

	fmt.Printf("will read %d bytes from 0x%08x - 0x%08x\n", length, offset, offset+length-1)
	data, err := transfer.ReadFlash(sess, offset, length, 0, 0)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func runReadMem(sess *session.Session, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: read_mem <file> <offset> <length>")
	}
	filename := args[0]
	offset, err := parseOffset(args[1])
	if err != nil {
		return err
	}
	length, err := parseOffset(args[2])
	if err != nil {
		return err
	}

	fmt.Printf("will read %d bytes from 0x%08x - 0x%08x\n", length, offset, offset+length-1)
	data, err := transfer.ReadMem(sess, offset, length, 0, 0)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func runWriteFlash(sess *session.Session, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: write_flash <file> [<offset> [<length>]]")
	}
	filename := args[0]

	var offset uint32
	if len(args) > 1 {
		var err error
		if offset, err = parseOffset(args[1]); err != nil {
			return err
		}
	}
	if offset%transfer.SectorSize != 0 {
		return fmt.Errorf("unaligned flash writes not supported, offset must be aligned with %d byte sectors", transfer.SectorSize)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read input file: %w", err)
	}

	length := uint32(len(data))
	if len(args) > 2 {
		if length, err = parseOffset(args[2]); err != nil {
			return err
		}
	}
	if (offset+length)%transfer.SectorSize != 0 {
		return fmt.Errorf("unaligned flash writes not supported, (offset + length) must be aligned with %d byte sectors", transfer.SectorSize)
	}

	if uint32(len(data)) < offset+length {
		return fmt.Errorf("input file shorter than offset + length")
	}

	return transfer.WriteFlash(sess, offset, length, data)
}

// Command mpy is a thin demo binary: it connects to a device over
// serial or TCP, prints its sys.platform, and exits. It exists to show
// the mpy package wired end to end; the interactive command dispatcher,
// argument grammar, progress-bar rendering, and port autodetection that
// a full CLI would need are outside this module's scope.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pavelrevak/mpytool-sub000/mpy"
)

var dialSerial = mpy.DialSerial
var dialTCP = mpy.DialTCP

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("mpy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defaultPort := strings.TrimSpace(getenv("MPY_PORT"))
	if defaultPort == "" {
		defaultPort = "/dev/ttyACM0"
	}

	port := fs.String("port", defaultPort, "serial port path")
	tcpAddr := fs.String("tcp", "", "connect over TCP instead of serial (host:port)")
	baud := fs.Int("baud", 115200, "serial baud rate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var transport mpy.Transport
	var err error
	if *tcpAddr != "" {
		transport, err = dialTCP(*tcpAddr, 5*time.Second, nil)
	} else {
		transport, err = dialSerial(mpy.SerialConfig{Port: *port, Baud: *baud}, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	d := mpy.Open(transport, nil)
	defer func() {
		if err := d.Close(); err != nil {
			log.Printf("failed to close device: %v", err)
		}
	}()

	platform, err := d.Platform()
	if err != nil {
		return fmt.Errorf("failed to read platform: %w", err)
	}

	_, err = fmt.Fprintf(out, "PLATFORM: %s\n", platform)
	return err
}

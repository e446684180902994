// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dkoester/swdflash"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.Info("swdflash link test...")

	flagTarget := flag.String("Target", "nRF52840", "Target device type")
	flagClock := flag.Int("Clock", 25, "BCM pin number of SWCLK")
	flagData := flag.Int("Data", 24, "BCM pin number of SWDIO")
	flagReset := flag.Int("Reset", -1, "BCM pin number of nRESET, -1 when not wired")
	flagSpeed := flag.Int("Speed", 1000, "SWD clock rate in kHz")
	flagVerbose := flag.Bool("Verbose", false, "Enable debug logging")

	flag.Parse()

	if *flagVerbose {
		log.SetLevel(log.DebugLevel)
	}
	swdflash.SetLogger(log.StandardLogger())

	wire, err := swdflash.NewRaspberryWire(swdflash.LinkConfig{
		ClockPin: *flagClock,
		DataPin:  *flagData,
		ResetPin: *flagReset,
	})
	if err != nil {
		log.Fatal(err)
	}

	flasher, err := swdflash.NewFlasher(wire, *flagTarget,
		swdflash.WithClockRate(uint32(*flagSpeed)))
	if err != nil {
		log.Fatal(err)
	}

	report, err := flasher.Status()
	if err != nil {
		log.Fatal(err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))

	stats := flasher.Stats()
	log.Infof("%d transfers, %d retries, %d faults", stats.Transfers, stats.Retries, stats.Faults)

	flasher.Close()

	if !report.Connected {
		os.Exit(1)
	}
}

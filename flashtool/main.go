// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dkoester/swdflash"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger *logrus.Logger

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)
}

func usage() {
	fmt.Println("Usage: flashtool [flags] <command> [argument]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status            probe the target and print a JSON status report")
	fmt.Println("  flash <file.hex>  program an Intel hex image and restart the target")
	fmt.Println("  erase             CTRL-AP mass erase, wipes flash and UICR and unlocks APPROTECT")
	fmt.Println("  erasepage <addr>  erase the single page containing addr")
	fmt.Println("  read <addr>       read one word from the target address space")
	fmt.Println("  reset             restart the target firmware")
	fmt.Println("  console           tail the firmware's RTT console until interrupted")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatal(err)
	}
	fmt.Println(string(out))
}

func parseAddr(arg string) uint32 {
	value, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		logger.Fatalf("bad address %q: %v", arg, err)
	}
	return uint32(value)
}

func runStatus(flasher *swdflash.Flasher) {
	report, err := flasher.Status()
	if err != nil {
		logger.Fatal(err)
	}

	printJSON(report)

	if !report.Connected {
		os.Exit(1)
	}
}

func runFlash(flasher *swdflash.Flasher, path string) {
	file, err := os.Open(path)
	if err != nil {
		logger.Fatal(err)
	}
	defer file.Close()

	report, err := flasher.Upload(file)
	if err != nil {
		logger.Fatal("upload failed: ", err)
	}

	printJSON(report)

	stats := flasher.Stats()
	logger.Infof("link counters: %d transfers, %d retries, %d faults",
		stats.Transfers, stats.Retries, stats.Faults)
}

func runErase(flasher *swdflash.Flasher) {
	logger.Warn("mass erase wipes all flash and UICR content")

	if err := flasher.Unlock(); err != nil {
		logger.Fatal("mass erase failed: ", err)
	}

	logger.Info("mass erase complete, APPROTECT is disabled")
}

func runErasePage(flasher *swdflash.Flasher, arg string) {
	addr := parseAddr(arg)

	if err := flasher.ErasePage(addr); err != nil {
		logger.Fatal(err)
	}

	logger.Infof("page at 0x%08X erased", addr)
}

func runRead(flasher *swdflash.Flasher, arg string) {
	addr := parseAddr(arg)

	value, err := flasher.ReadWordAt(addr)
	if err != nil {
		logger.Fatal(err)
	}

	fmt.Printf("0x%08X: 0x%08X\n", addr, value)
}

func runConsole(flasher *swdflash.Flasher, channel int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("tailing RTT channel %d, ^C stops", channel)

	if err := flasher.Console(ctx, channel, os.Stdout); err != nil {
		logger.Fatal(err)
	}
}

func main() {
	initLogger()
	swdflash.SetLogger(logger)

	logger.Info("Welcome to the swdflash field flasher...")

	flagLogLevel := flag.Int("LogLevel", int(logrus.InfoLevel), "Logging verbosity [0 - 6]")
	flagTarget := flag.String("Target", "nRF52840", "Target device type")
	flagClock := flag.Int("Clock", 25, "BCM pin number of SWCLK")
	flagData := flag.Int("Data", 24, "BCM pin number of SWDIO")
	flagReset := flag.Int("Reset", -1, "BCM pin number of nRESET, -1 when not wired")
	flagSpeed := flag.Int("Speed", 1000, "SWD clock rate in kHz")
	flagVerify := flag.Bool("Verify", false, "Read back and compare every page written")
	flagChannel := flag.Int("RTTChannel", 0, "RTT up channel for the console command")

	flag.Usage = usage
	flag.Parse()

	logger.SetLevel(logrus.Level(*flagLogLevel))

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	wire, err := swdflash.NewRaspberryWire(swdflash.LinkConfig{
		ClockPin: *flagClock,
		DataPin:  *flagData,
		ResetPin: *flagReset,
	})
	if err != nil {
		logger.Fatal(err)
	}

	flasher, err := swdflash.NewFlasher(wire, *flagTarget,
		swdflash.WithClockRate(uint32(*flagSpeed)),
		swdflash.WithVerify(*flagVerify))
	if err != nil {
		logger.Fatal(err)
	}
	defer flasher.Close()

	switch args[0] {
	case "status":
		runStatus(flasher)
	case "flash":
		if len(args) != 2 {
			logger.Fatal("flash needs a hex file argument")
		}
		runFlash(flasher, args[1])
	case "erase":
		runErase(flasher)
	case "erasepage":
		if len(args) != 2 {
			logger.Fatal("erasepage needs an address argument")
		}
		runErasePage(flasher, args[1])
	case "read":
		if len(args) != 2 {
			logger.Fatal("read needs an address argument")
		}
		runRead(flasher, args[1])
	case "reset":
		if err := flasher.ResetTarget(); err != nil {
			logger.Fatal(err)
		}
		logger.Info("target restarted")
	case "console":
		runConsole(flasher, *flagChannel)
	default:
		usage()
		os.Exit(2)
	}
}

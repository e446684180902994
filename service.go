// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Health counts what the wire has been through since the flasher was
// created. The counters accumulate across sessions and are never reset.
type Health struct {
	Connects      uint64 `json:"connects"`
	Transfers     uint64 `json:"transfers"`
	Retries       uint64 `json:"retries"`
	Faults        uint64 `json:"faults"`
	PagesErased   uint64 `json:"pages_erased"`
	EraseFailures uint64 `json:"erase_failures"`
	WordsWritten  uint64 `json:"words_written"`
	WriteFailures uint64 `json:"write_failures"`
	Uploads       uint64 `json:"uploads"`
}

// Config collects the tunable parts of a Flasher.
type Config struct {
	// Delay per half clock cycle on the wire. Zero runs the clock as
	// fast as the GPIO layer can toggle.
	Delay time.Duration

	// Verify reads back every flushed page window after programming.
	Verify bool
}

func defaultConfig() Config {
	return Config{
		Delay: halfCycleForRate(1000),
	}
}

// Option adjusts the configuration of a Flasher.
type Option func(*Config)

// WithClockRate sets the SWD clock rate in kHz. Rates a sleeping host
// cannot time are clamped to full speed.
//
// Example:
//
//	f, err := swdflash.NewFlasher(wire, "nRF52840", swdflash.WithClockRate(500))
func WithClockRate(khz uint32) Option {
	return func(c *Config) {
		c.Delay = halfCycleForRate(khz)
	}
}

// WithDelay sets the per-half-cycle delay directly.
func WithDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.Delay = delay
	}
}

// WithVerify enables read-back verification of every page window
// written during an upload.
//
// Example:
//
//	f, err := swdflash.NewFlasher(wire, "nRF52833", swdflash.WithVerify(true))
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}

/**
  Flasher drives a target over a single SWD wire, one operation at a
  time. Every operation runs a full session: connect, do the work,
  reset the target and float the pins. The target keeps running its
  firmware between operations.

  A Flasher is safe for concurrent use, but the wire is not shared:
  a second operation started while one is running fails immediately
  with ErrInvalidState instead of queueing behind a slow flash job.
*/
type Flasher struct {
	wire   Wire
	info   *TargetInfo
	config Config

	mu     sync.Mutex
	health Health

	// set by Unlock, consumed by the next Upload attempt
	pendingMassErase bool
}

// NewFlasher wires up a flasher for the named part. The wire stays
// untouched until the first operation.
func NewFlasher(wire Wire, targetName string, options ...Option) (*Flasher, error) {
	if wire == nil {
		return nil, NewLinkError("no wire given", ErrInvalidArgument)
	}

	info := GetTargetInformation(targetName)
	if info == nil {
		return nil, newLinkErrorf(ErrInvalidArgument, "unknown target %q (supported: %v)",
			targetName, SupportedTargets())
	}

	config := defaultConfig()
	for _, option := range options {
		option(&config)
	}
	if config.Delay < 0 {
		return nil, newLinkErrorf(ErrInvalidArgument, "negative clock delay %v", config.Delay)
	}

	return &Flasher{
		wire:   wire,
		info:   info,
		config: config,
	}, nil
}

// Target reports the part this flasher was configured for.
func (f *Flasher) Target() string {
	return f.info.Name
}

// acquire takes the session lock without queueing. A caller that loses
// the race gets an error instead of waiting behind a flash job.
func (f *Flasher) acquire() error {
	if !f.mu.TryLock() {
		return NewLinkError("link busy", ErrInvalidState)
	}
	return nil
}

// connect opens a session: link on the wire, debug port powered,
// counters shared with the flasher.
func (f *Flasher) connect() (*Target, error) {
	link, err := NewLink(f.wire, f.config.Delay)
	if err != nil {
		return nil, err
	}

	target, err := NewTarget(link, f.info)
	if err != nil {
		return nil, err
	}
	target.stats = &f.health

	if err := target.Connect(); err != nil {
		link.Release()
		return nil, err
	}

	return target, nil
}

// teardown closes the session and floats the pins so the target runs
// undisturbed.
func (f *Flasher) teardown(target *Target) {
	if err := target.Disconnect(); err != nil {
		logger.Warnf("disconnect failed: %v", err)
	}
	target.port.Release()
}

// prepareFlash brings up the memory access port and the NVMC engine.
func (f *Flasher) prepareFlash(target *Target) (*Flash, error) {
	if err := target.InitMemory(); err != nil {
		return nil, err
	}
	return NewFlash(target)
}

// StatusReport is a point-in-time view of the target, taken without
// modifying it. Registers holds the raw words behind the decoded
// fields.
type StatusReport struct {
	Connected  bool   `json:"connected"`
	Target     string `json:"target"`
	IDCode     uint32 `json:"idcode"`
	IDCodeInfo string `json:"idcode_info"`
	DeviceID   string `json:"device_id"`

	ApProtect     uint32 `json:"approtect"`
	ApProtectInfo string `json:"approtect_info"`
	CtrlApProtect uint32 `json:"ctrl_ap_protect"`

	NvmcReady  bool   `json:"nvmc_ready"`
	NvmcState  string `json:"nvmc_state"`
	CoreHalted bool   `json:"core_halted"`

	BootloaderAddr uint32 `json:"bootloader_addr"`
	FlashSize      uint32 `json:"flash_size"`
	RamSize        uint32 `json:"ram_size"`

	Registers map[string]uint32 `json:"registers"`
}

func approtectInfo(value uint32) string {
	switch value {
	case 0xFFFFFFFF:
		return "Disabled (open for debug)"
	case 0x0000005A, 0xFFFFFF5A:
		return "HwDisabled (hardware unlocked)"
	case 0xFFFFFF00, 0x00000000:
		return "Enabled (locked, mass erase required)"
	default:
		return "Unknown/custom value"
	}
}

func nvmcStateInfo(config uint32) string {
	switch config & 0x3 {
	case NVMC_CONFIG_REN:
		return "Read-only"
	case NVMC_CONFIG_WEN:
		return "Write enabled"
	case NVMC_CONFIG_EEN:
		return "Erase enabled"
	default:
		return "Unknown"
	}
}

/**
  Status probes the target and reports what it finds. The probe is
  read-only past the debug power-up handshake: protection state, NVMC
  mode, core state, identity and geometry registers, plus the first
  words of flash.

  An unreachable target is reported as Connected=false, not as an
  error. Individual register reads that fail are left out of the
  report.
*/
func (f *Flasher) Status() (*StatusReport, error) {
	if err := f.acquire(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	report := &StatusReport{
		Target:    f.info.Name,
		Registers: make(map[string]uint32),
	}

	target, err := f.connect()
	if err != nil {
		logger.Warnf("status probe found no target: %v", err)
		return report, nil
	}
	defer f.teardown(target)

	report.Connected = true
	report.IDCode = uint32(target.IDCode())
	report.IDCodeInfo = target.IDCode().String()

	// protection as the CTRL-AP sees it, read before any MEM-AP access
	// because a locked part faults everything else
	target.SelectAP(f.info.CtrlApIndex)
	if value, err := target.APRead(CTRL_AP_APPROTECTSTATUS); err == nil {
		report.CtrlApProtect = value
		report.Registers["ctrl_ap_protect"] = value
	} else {
		logger.Warnf("CTRL-AP protect read failed: %v", err)
	}
	target.SelectAP(0)

	if err := target.InitMemory(); err != nil {
		logger.Warnf("status probe has no memory access: %v", err)
		return report, nil
	}

	read := func(name string, addr uint32) (uint32, bool) {
		value, err := target.ReadWord(addr)
		if err != nil {
			logger.Warnf("status read %s failed: %v", name, err)
			return 0, false
		}
		report.Registers[name] = value
		logger.Debugf("status %s = 0x%08X", name, value)
		return value, true
	}

	if value, ok := read("nvmc_ready", NVMC_READY); ok {
		report.NvmcReady = value&0x1 != 0
	}
	read("nvmc_readynext", NVMC_READYNEXT)
	if value, ok := read("nvmc_config", NVMC_CONFIG); ok {
		report.NvmcState = nvmcStateInfo(value)
	}

	if value, ok := read("approtect", UICR_APPROTECT); ok {
		report.ApProtect = value
		report.ApProtectInfo = approtectInfo(value)
	}
	if value, ok := read("bootloader_addr", UICR_BOOTLOADERADDR); ok {
		report.BootloaderAddr = value
	}
	read("nrffw0", UICR_NRFFW0)
	read("nrffw1", UICR_NRFFW1)

	read("codepagesize", FICR_CODEPAGESIZE)
	read("codesize", FICR_CODESIZE)
	id0, ok0 := read("deviceid0", FICR_DEVICEID0)
	id1, ok1 := read("deviceid1", FICR_DEVICEID1)
	if ok0 && ok1 {
		report.DeviceID = fmt.Sprintf("0x%08X%08X", id1, id0)
	}
	read("info_part", FICR_INFO_PART)
	read("info_variant", FICR_INFO_VARIANT)
	if value, ok := read("info_ram", FICR_INFO_RAM); ok {
		report.RamSize = value * 1024
	}
	if value, ok := read("info_flash", FICR_INFO_FLASH); ok {
		report.FlashSize = value * 1024
	}

	read("dhcsr", CORTEX_DHCSR)
	read("demcr", CORTEX_DEMCR)

	base := f.info.Flash.Base
	for _, offset := range []uint32{0x0, 0x4, 0x1000} {
		addr := base + offset
		read(fmt.Sprintf("flash_0x%08X", addr), addr)
	}

	if halted, err := target.CoreHalted(); err == nil {
		report.CoreHalted = halted
	}

	logger.Infof("target status: IDCODE %s, APPROTECT %s, NVMC %s",
		report.IDCodeInfo, report.ApProtectInfo, report.NvmcState)

	return report, nil
}

// UploadReport is the result of a successful firmware upload.
type UploadReport struct {
	Target string `json:"target"`
	IDCode uint32 `json:"idcode"`
	UploadStats
}

/**
  Upload streams Intel hex firmware from r onto the target: connect,
  decode, erase and program page by page, then reset the target into
  the new image.

  A mass erase left behind by Unlock is consumed here; the upload then
  skips the per-page erases. The marker is spent on the first attempt
  whether or not the upload succeeds, a failed upload does not inherit
  a stale erase.
*/
func (f *Flasher) Upload(r io.Reader) (*UploadReport, error) {
	if err := f.acquire(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	logger.Info("=== firmware upload started ===")

	target, err := f.connect()
	if err != nil {
		return nil, err
	}
	defer f.teardown(target)

	flash, err := f.prepareFlash(target)
	if err != nil {
		return nil, err
	}

	if err := flash.ProbeGeometry(); err != nil {
		logger.Warnf("geometry probe failed, using built-in table: %v", err)
	}

	if f.pendingMassErase {
		flash.massErased = true
		f.pendingMassErase = false
	}

	loader, err := NewLoader(flash, f.config.Verify)
	if err != nil {
		return nil, err
	}

	stats, err := loader.Run(NewHexDecoder(r))
	if err != nil {
		return nil, err
	}

	f.health.Uploads++

	if err := flash.ResetAndRun(); err != nil {
		logger.Warnf("post-flash reset failed: %v", err)
	}

	logger.Info("=== firmware upload finished ===")

	return &UploadReport{
		Target:      f.info.Name,
		IDCode:      uint32(target.IDCode()),
		UploadStats: stats,
	}, nil
}

/**
  Unlock recovers an access-port-protected target with a CTRL-AP mass
  erase. All flash and UICR content is lost and APPROTECT comes up
  disabled, after which the debug port works normally.

  On success the erased state is remembered and the next Upload skips
  its per-page erases.
*/
func (f *Flasher) Unlock() error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return err
	}
	defer f.teardown(target)

	// no NVMC probe here: on a protected part every MEM-AP access
	// faults, and the erase goes through the CTRL-AP alone
	flash := &Flash{target: target}

	if err := flash.MassErase(); err != nil {
		return err
	}

	f.pendingMassErase = true
	logger.Info("mass erase done, the next upload will skip page erases")

	return nil
}

// ErasePage erases the single flash or UICR page containing addr.
func (f *Flasher) ErasePage(addr uint32) error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return err
	}
	defer f.teardown(target)

	flash, err := f.prepareFlash(target)
	if err != nil {
		return err
	}

	return flash.ErasePage(addr)
}

// WriteRegion programs data at addr in one session. The pages touched
// must have been erased beforehand, NVMC writes can only clear bits.
func (f *Flasher) WriteRegion(addr uint32, data []byte) error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return err
	}
	defer f.teardown(target)

	flash, err := f.prepareFlash(target)
	if err != nil {
		return err
	}

	return flash.Write(addr, data)
}

// ReadWordAt reads one word from the target address space in its own
// session.
func (f *Flasher) ReadWordAt(addr uint32) (uint32, error) {
	if err := f.acquire(); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return 0, err
	}
	defer f.teardown(target)

	if err := target.InitMemory(); err != nil {
		return 0, err
	}

	return target.ReadWord(addr)
}

// ResetTarget restarts the target firmware: instruction cache
// invalidated, vector table back at the flash base, core reset and the
// debug port released.
func (f *Flasher) ResetTarget() error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return err
	}
	defer f.teardown(target)

	flash, err := f.prepareFlash(target)
	if err != nil {
		return err
	}

	return flash.ResetAndRun()
}

// rttPollInterval paces the Console drain loop.
const rttPollInterval = 100 * time.Millisecond

/**
  Console attaches to the firmware's RTT console and copies the chosen
  up channel to w until ctx is done. The session holds the link for the
  whole tail, other operations fail with ErrInvalidState meanwhile.

  Cancelling ctx is the normal way to stop a tail and returns nil.
*/
func (f *Flasher) Console(ctx context.Context, channel int, w io.Writer) error {
	if channel < 0 {
		return newLinkErrorf(ErrInvalidArgument, "negative RTT channel %d", channel)
	}

	if err := f.acquire(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	target, err := f.connect()
	if err != nil {
		return err
	}
	defer f.teardown(target)

	if err := target.InitMemory(); err != nil {
		return err
	}

	console, err := FindRtt(target)
	if err != nil {
		return err
	}

	if up, _ := console.Channels(); channel >= up {
		return newLinkErrorf(ErrInvalidArgument,
			"RTT channel %d not present, firmware has %d up channels", channel, up)
	}
	if name := console.ChannelName(channel); name != "" {
		logger.Infof("tailing RTT channel %d (%s)", channel, name)
	}

	write := func(ch int, data []byte) error {
		if ch != channel {
			return nil
		}
		_, err := w.Write(data)
		return err
	}

	for {
		if err := console.Poll(write); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rttPollInterval):
		}
	}
}

// Stats returns a snapshot of the lifetime counters. It waits for a
// running operation to finish.
func (f *Flasher) Stats() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// Close shuts the wire down. The flasher must not be used afterwards.
func (f *Flasher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wire.Close()
}

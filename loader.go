// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"hash/crc32"
	"io"
	"time"

	"github.com/boljen/go-bitmap"
)

// pageWindow accumulates contiguous data up to one flash page before
// it goes out to the target. The buffer is pre-filled with the erased
// value so sparse records inside the window stay harmless.
type pageWindow struct {
	start  uint32
	length int
	buf    []byte
}

func newPageWindow(pageSize uint32) *pageWindow {
	w := &pageWindow{buf: make([]byte, pageSize)}
	w.reset()
	return w
}

func (w *pageWindow) reset() {
	w.start = 0
	w.length = 0
	fillBytes(w.buf, 0xFF)
}

func (w *pageWindow) empty() bool {
	return w.length == 0
}

// end is one past the last byte currently in the window.
func (w *pageWindow) end() uint32 {
	return w.start + uint32(w.length)
}

// accepts decides whether n bytes at addr can merge into the window:
// they must overlap or abut the current extent and stay inside the
// window capacity. Pure decision, no I/O.
func (w *pageWindow) accepts(addr uint32, n int) bool {
	if w.empty() {
		return n <= len(w.buf)
	}
	if addr < w.start || addr > w.end() {
		return false
	}
	return int(addr-w.start)+n <= len(w.buf)
}

// merge copies data into the window. The caller checked accepts;
// overlapping bytes are overwritten, later records win.
func (w *pageWindow) merge(addr uint32, data []byte) {
	if w.empty() {
		w.start = addr
	}

	offset := int(addr - w.start)
	copy(w.buf[offset:], data)

	if end := offset + len(data); end > w.length {
		w.length = end
	}
}

// UploadStats summarizes one firmware upload.
type UploadStats struct {
	Records     int           `json:"records"`
	Bytes       int           `json:"bytes"`
	Flushes     int           `json:"flushes"`
	PagesErased int           `json:"pages_erased"`
	Checksum    uint32        `json:"checksum"`
	Duration    time.Duration `json:"duration"`
}

/**
  Loader streams decoded hex records into the flash engine. Data is
  collected in a page window and flushed when a record does not extend
  it, when the address base changes, or at the end-of-file record.

  A session ledger tracks which pages were already erased so a page
  shared by two flush windows is erased exactly once. When the device
  was just mass erased the per-page erases are skipped entirely.
*/
type Loader struct {
	flash  *Flash
	window *pageWindow

	erased   bitmap.Bitmap
	uicrSlot int

	skipErase bool
	verify    bool
	finished  bool

	records int
	bytes   int
	flushes int
	pages   int
	crc     uint32
}

func NewLoader(flash *Flash, verify bool) (*Loader, error) {
	if flash == nil {
		return nil, NewLinkError("no flash engine given", ErrInvalidArgument)
	}

	info := flash.target.info
	pageCount := int(info.Flash.Size / info.Flash.PageSize)

	skip := flash.consumeMassErased()
	if skip {
		logger.Info("device was mass erased, skipping page erases")
	}

	return &Loader{
		flash:     flash,
		window:    newPageWindow(info.Flash.PageSize),
		erased:    bitmap.New(pageCount + 1),
		uicrSlot:  pageCount,
		skipErase: skip,
		verify:    verify,
	}, nil
}

// pageSlot maps a page base address to its ledger slot, -1 when the
// page is outside the tracked regions.
func (l *Loader) pageSlot(page uint32) int {
	info := l.flash.target.info
	if info.Flash.Contains(page, 1) {
		return int((page - info.Flash.Base) / info.Flash.PageSize)
	}
	if page == info.UicrBase {
		return l.uicrSlot
	}
	return -1
}

// Add feeds one decoded record into the loader.
func (l *Loader) Add(rec Record) error {
	if l.finished {
		return NewLinkError("loader already finished", ErrInvalidState)
	}

	switch rec.Type {
	case RecordData:
		if len(rec.Data) == 0 {
			return nil
		}

		if !l.window.accepts(rec.Addr, len(rec.Data)) {
			if err := l.Flush(); err != nil {
				return err
			}
		}
		l.window.merge(rec.Addr, rec.Data)

		l.records++
		l.bytes += len(rec.Data)
		l.crc = crc32.Update(l.crc, crc32.IEEETable, rec.Data)
		return nil

	case RecordEOF:
		if err := l.Flush(); err != nil {
			return err
		}
		l.finished = true
		logger.Info("flashing complete")
		return nil

	default:
		// address extension and entry point records end the current
		// contiguous region
		return l.Flush()
	}
}

/**
  Flush pushes the buffered window out to the target: erase every page
  the window touches that this session has not erased yet, then one
  write. A window straddling a page boundary erases both pages.
*/
func (l *Loader) Flush() error {
	if l.window.empty() {
		return nil
	}

	start := l.window.start
	length := l.window.length

	if !l.skipErase {
		info := l.flash.target.info
		first := info.Flash.PageBase(start)
		last := info.Flash.PageBase(start + uint32(length) - 1)

		for page := first; page <= last; page += info.Flash.PageSize {
			slot := l.pageSlot(page)
			if slot >= 0 && l.erased.Get(slot) {
				continue
			}

			logger.Infof("erasing page 0x%08X", page)
			if err := l.flash.ErasePage(page); err != nil {
				return err
			}
			l.pages++

			if slot >= 0 {
				l.erased.Set(slot, true)
			}
		}
	}

	logger.Infof("writing %d bytes to 0x%08X", length, start)
	if err := l.flash.Write(start, l.window.buf[:length]); err != nil {
		return err
	}
	l.flushes++

	if l.verify {
		readBack, err := l.flash.target.ReadMem(start, length)
		if err != nil {
			return err
		}
		for i := range readBack {
			if readBack[i] != l.window.buf[i] {
				return newAddrErrorf(ErrVerificationFailed, start+uint32(i), uint32(readBack[i]),
					"read-back mismatch at 0x%08X", start+uint32(i))
			}
		}
	}

	l.window.reset()
	return nil
}

/**
  Run drives the decoder to its end-of-file record and reports what
  was flashed. A stream that stops without one aborts with an error;
  whatever was flushed up to that point stays on the target.
*/
func (l *Loader) Run(dec *HexDecoder) (UploadStats, error) {
	started := time.Now()

	for !l.finished {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return l.stats(started), err
		}

		if err := l.Add(rec); err != nil {
			return l.stats(started), err
		}
	}

	if !l.finished {
		return l.stats(started), NewLinkError("hex stream ended without an EOF record", ErrInvalidArgument)
	}

	stats := l.stats(started)
	logger.Infof("upload complete: %d records, %d bytes, %d pages erased, crc32 0x%08X in %v",
		stats.Records, stats.Bytes, stats.PagesErased, stats.Checksum,
		stats.Duration.Round(time.Millisecond))
	return stats, nil
}

func (l *Loader) stats(started time.Time) UploadStats {
	return UploadStats{
		Records:     l.records,
		Bytes:       l.bytes,
		Flushes:     l.flushes,
		PagesErased: l.pages,
		Checksum:    l.crc,
		Duration:    time.Since(started),
	}
}

// Package checkpoint implements the object table's flat, mmap'able
// snapshot format: every LIVE entry at a point-in-time epoch, written
// once and published atomically so recovery never observes a partial
// checkpoint.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cuemby/xtreestore/pkg/checksum"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/platform"
)

// Magic identifies a checkpoint file.
const Magic uint32 = 0x58544348 // "XTCH"

// Version is the current on-disk checkpoint format version.
const Version uint32 = 1

// HeaderSize is the fixed size of the checkpoint header preceding the
// entry array: magic(4) version(4) epoch(8) entry_count(8)
// entries_crc32c(4) header_crc32c(4) = 32 bytes.
const HeaderSize = 32

// Header is the fixed-size preamble of a checkpoint file.
type Header struct {
	Epoch      uint64
	EntryCount uint64
	EntriesCRC uint32
}

func (h Header) encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Epoch)
	binary.LittleEndian.PutUint64(buf[16:24], h.EntryCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.EntriesCRC)
	binary.LittleEndian.PutUint32(buf[28:32], checksum.CRC32C(buf[0:28]))
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("checkpoint: header truncated (%d bytes)", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, fmt.Errorf("checkpoint: bad magic %#x", magic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != Version {
		return Header{}, fmt.Errorf("checkpoint: unsupported version %d", version)
	}
	headerCRC := binary.LittleEndian.Uint32(buf[28:32])
	if !checksum.Verify(buf[0:28], headerCRC) {
		return Header{}, fmt.Errorf("checkpoint: header checksum mismatch")
	}
	return Header{
		Epoch:      binary.LittleEndian.Uint64(buf[8:16]),
		EntryCount: binary.LittleEndian.Uint64(buf[16:24]),
		EntriesCRC: binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// Entry is a (handle index, record) pair as it sits in the flat
// checkpoint array; the handle index is not part of otentry.Record's
// own wire form so it is stored alongside it.
type Entry struct {
	HandleIdx uint64
	Record    otentry.Record
}

const entryWireSize = 8 + otentry.RecordWireSize

// Snapshot is a decoded, in-memory checkpoint.
type Snapshot struct {
	Epoch   uint64
	Entries []Entry
}

// Encode serializes a snapshot into the on-disk checkpoint format.
func Encode(epoch uint64, entries []Entry) []byte {
	buf := make([]byte, HeaderSize+len(entries)*entryWireSize)
	body := buf[HeaderSize:]
	for i, e := range entries {
		off := i * entryWireSize
		binary.LittleEndian.PutUint64(body[off:off+8], e.HandleIdx)
		e.Record.Encode(body[off+8 : off+entryWireSize])
	}
	h := Header{
		Epoch:      epoch,
		EntryCount: uint64(len(entries)),
		EntriesCRC: checksum.CRC32C(body),
	}
	h.encode(buf[0:HeaderSize])
	return buf
}

// Decode parses a checkpoint buffer produced by Encode.
func Decode(buf []byte) (Snapshot, error) {
	if len(buf) < HeaderSize {
		return Snapshot{}, fmt.Errorf("checkpoint: file shorter than header (%d bytes)", len(buf))
	}
	h, err := decodeHeader(buf[0:HeaderSize])
	if err != nil {
		return Snapshot{}, err
	}
	body := buf[HeaderSize:]
	want := int(h.EntryCount) * entryWireSize
	if len(body) < want {
		return Snapshot{}, fmt.Errorf("checkpoint: body truncated: have %d bytes, want %d", len(body), want)
	}
	body = body[:want]
	if !checksum.Verify(body, h.EntriesCRC) {
		return Snapshot{}, fmt.Errorf("checkpoint: entries checksum mismatch")
	}

	entries := make([]Entry, h.EntryCount)
	for i := range entries {
		off := i * entryWireSize
		entries[i] = Entry{
			HandleIdx: binary.LittleEndian.Uint64(body[off : off+8]),
			Record:    otentry.DecodeRecord(body[off+8 : off+entryWireSize]),
		}
	}
	return Snapshot{Epoch: h.Epoch, Entries: entries}, nil
}

func verifyEntries(body []byte, expected uint32) bool {
	return checksum.Verify(body, expected)
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		HandleIdx: binary.LittleEndian.Uint64(buf[0:8]),
		Record:    otentry.DecodeRecord(buf[8:entryWireSize]),
	}
}

// Write atomically publishes a checkpoint at path: write to a temp
// file in the same directory, fsync, rename over path, fsync the
// directory. Recovery never observes a partial checkpoint because the
// rename is the only operation that makes the new bytes visible at
// path.
func Write(path string, epoch uint64, entries []Entry) error {
	return platform.AtomicReplace(path, Encode(epoch, entries))
}

// Read loads and validates a checkpoint file from path.
func Read(path string) (Snapshot, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	return Decode(buf)
}

// Restorer is the subset of objecttable.Table/Sharded that checkpoint
// restoration needs: installing a handle at an exact index during
// recovery.
type Restorer interface {
	RestoreHandle(handleIdx uint64, rec otentry.Record) error
}

// Restore replays every entry in the snapshot into r, typically an
// objecttable.Table or objecttable.Sharded already in recovery mode.
func Restore(snap Snapshot, r Restorer) error {
	for _, e := range snap.Entries {
		if err := r.RestoreHandle(e.HandleIdx, e.Record); err != nil {
			return fmt.Errorf("checkpoint: restore handle %d: %w", e.HandleIdx, err)
		}
	}
	return nil
}

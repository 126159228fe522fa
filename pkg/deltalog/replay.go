package deltalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/xtreestore/pkg/checksum"
	"github.com/cuemby/xtreestore/pkg/otentry"
)

// ReplayedFrame is one successfully decoded frame handed to a Replay
// callback, carrying its inline payload bytes when present.
type ReplayedFrame struct {
	Offset  uint64
	Type    uint32
	Record  otentry.Record
	Payload []byte // non-nil only for FrameTypeDeltaPayload
}

// ReplayResult summarizes a replay pass: the records successfully
// decoded, and the offset through which the log can be trusted. A
// torn frame at the tail (the last write before a crash) is not an
// error: replay stops there and reports LastGoodOffset so the log can
// be safely truncated to it before new appends resume.
type ReplayResult struct {
	Frames         []ReplayedFrame
	LastGoodOffset uint64
	TornTail       bool
}

// Replay reads every well-formed frame from the start of the file at
// path, stopping at the first frame that fails header or payload
// checksum validation (a torn write) or runs past EOF. An all-zero
// frame header marks the unwritten, preallocated remainder of the file
// and ends replay without reporting a torn tail. It never returns an
// error for a torn tail; only genuine I/O errors propagate.
func Replay(path string) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("deltalog: replay open %s: %w", path, err)
	}
	defer f.Close()

	var result ReplayResult
	var offset uint64

	headerBuf := make([]byte, FrameHeaderSize)
	zeroHeader := make([]byte, FrameHeaderSize)
	for {
		n, err := f.ReadAt(headerBuf, int64(offset))
		if n < FrameHeaderSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return ReplayResult{}, fmt.Errorf("deltalog: replay read header at %d: %w", offset, err)
			}
			break // short/zero read: end of written data or torn header write
		}
		if bytes.Equal(headerBuf, zeroHeader) {
			break // preallocated, never-written region: end of written data
		}
		h, ok := decodeFrameHeader(headerBuf)
		if !ok {
			result.TornTail = true
			break
		}

		payload := make([]byte, h.PayloadSize)
		pn, err := f.ReadAt(payload, int64(offset)+FrameHeaderSize)
		if pn < len(payload) {
			if err != nil && !errors.Is(err, io.EOF) {
				return ReplayResult{}, fmt.Errorf("deltalog: replay read payload at %d: %w", offset, err)
			}
			result.TornTail = true
			break
		}
		if !checksum.Verify(payload, h.PayloadCRC) {
			result.TornTail = true
			break
		}
		if len(payload) < otentry.RecordWireSize {
			result.TornTail = true
			break
		}

		frame := ReplayedFrame{
			Offset: offset,
			Type:   h.FrameType,
			Record: otentry.DecodeRecord(payload[:otentry.RecordWireSize]),
		}
		if h.FrameType == FrameTypeDeltaPayload {
			frame.Payload = payload[otentry.RecordWireSize:]
		}
		result.Frames = append(result.Frames, frame)

		offset += FrameHeaderSize + uint64(h.PayloadSize)
		result.LastGoodOffset = offset
	}

	return result, nil
}

// TruncateToLastGood truncates the delta log file at path down to
// offset, discarding a torn tail frame so future appends start from a
// clean boundary.
func TruncateToLastGood(path string, offset uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("deltalog: truncate open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("deltalog: truncate %s to %d: %w", path, offset, err)
	}
	return nil
}

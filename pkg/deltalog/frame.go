package deltalog

import (
	"encoding/binary"

	"github.com/cuemby/xtreestore/pkg/checksum"
)

// FrameHeaderSize is the fixed 16-byte header preceding every frame's
// payload: frame_type(4) payload_size(4) payload_crc(4) header_crc(4).
const FrameHeaderSize = 16

// Frame types. FrameTypeDelta carries a single otentry.Record.
// FrameTypeDeltaPayload carries a record immediately followed by
// record.Length bytes of inline object data (EVENTUAL durability mode).
const (
	FrameTypeDelta        uint32 = 1
	FrameTypeDeltaPayload uint32 = 2
)

// frameHeader is the 16-byte on-disk frame preamble.
type frameHeader struct {
	FrameType   uint32
	PayloadSize uint32
	PayloadCRC  uint32
	HeaderCRC   uint32
}

func (h frameHeader) encode(buf []byte) {
	_ = buf[FrameHeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.FrameType)
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadCRC)
	binary.LittleEndian.PutUint32(buf[12:16], checksum.CRC32C(buf[0:12]))
}

func decodeFrameHeader(buf []byte) (frameHeader, bool) {
	if len(buf) < FrameHeaderSize {
		return frameHeader{}, false
	}
	h := frameHeader{
		FrameType:   binary.LittleEndian.Uint32(buf[0:4]),
		PayloadSize: binary.LittleEndian.Uint32(buf[4:8]),
		PayloadCRC:  binary.LittleEndian.Uint32(buf[8:12]),
		HeaderCRC:   binary.LittleEndian.Uint32(buf[12:16]),
	}
	if !checksum.Verify(buf[0:12], h.HeaderCRC) {
		return frameHeader{}, false
	}
	return h, true
}

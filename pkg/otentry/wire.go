package otentry

import "encoding/binary"

// RecordWireSize is the fixed, spec-pinned byte size of a Record.
const RecordWireSize = 52

// Record is the wire-format layout shared by delta log records and
// checkpoint entries: handle_idx(8) tag(2) class_id(1) kind(1)
// file_id(4) segment_id(4) offset(8) length(4) data_crc32c(4)
// birth_epoch(8) retire_epoch(8) = 52 bytes, little-endian.
type Record struct {
	HandleIdx   uint64
	Tag         uint16
	ClassID     uint8
	Kind        uint8
	FileID      uint32
	SegmentID   uint32
	Offset      uint64
	Length      uint32
	DataCRC32C  uint32
	BirthEpoch  uint64
	RetireEpoch uint64
}

// Encode serializes r into buf, which must be at least RecordWireSize
// bytes long.
func (r Record) Encode(buf []byte) {
	_ = buf[RecordWireSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], r.HandleIdx)
	binary.LittleEndian.PutUint16(buf[8:10], r.Tag)
	buf[10] = r.ClassID
	buf[11] = r.Kind
	binary.LittleEndian.PutUint32(buf[12:16], r.FileID)
	binary.LittleEndian.PutUint32(buf[16:20], r.SegmentID)
	binary.LittleEndian.PutUint64(buf[20:28], r.Offset)
	binary.LittleEndian.PutUint32(buf[28:32], r.Length)
	binary.LittleEndian.PutUint32(buf[32:36], r.DataCRC32C)
	binary.LittleEndian.PutUint64(buf[36:44], r.BirthEpoch)
	binary.LittleEndian.PutUint64(buf[44:52], r.RetireEpoch)
}

// DecodeRecord parses a Record from buf, which must be at least
// RecordWireSize bytes long.
func DecodeRecord(buf []byte) Record {
	_ = buf[RecordWireSize-1]
	return Record{
		HandleIdx:   binary.LittleEndian.Uint64(buf[0:8]),
		Tag:         binary.LittleEndian.Uint16(buf[8:10]),
		ClassID:     buf[10],
		Kind:        buf[11],
		FileID:      binary.LittleEndian.Uint32(buf[12:16]),
		SegmentID:   binary.LittleEndian.Uint32(buf[16:20]),
		Offset:      binary.LittleEndian.Uint64(buf[20:28]),
		Length:      binary.LittleEndian.Uint32(buf[28:32]),
		DataCRC32C:  binary.LittleEndian.Uint32(buf[32:36]),
		BirthEpoch:  binary.LittleEndian.Uint64(buf[36:44]),
		RetireEpoch: binary.LittleEndian.Uint64(buf[44:52]),
	}
}

// ToRecord converts a live Entry plus its handle index into the wire
// record used by the delta log and checkpoint.
func ToRecord(handleIdx uint64, e *Entry, dataCRC uint32) Record {
	return Record{
		HandleIdx:   handleIdx,
		Tag:         e.Tag(),
		ClassID:     e.ClassID,
		Kind:        uint8(e.Kind),
		FileID:      e.Addr.FileID,
		SegmentID:   e.Addr.SegmentID,
		Offset:      e.Addr.Offset,
		Length:      e.Addr.Length,
		DataCRC32C:  dataCRC,
		BirthEpoch:  e.BirthEpoch(),
		RetireEpoch: e.RetireEpoch(),
	}
}

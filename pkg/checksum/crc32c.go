// Package checksum implements the CRC32C (Castagnoli) checksum used
// throughout the persistence core's on-disk formats: frame headers,
// delta records, the superblock header, and checkpoint payloads.
package checksum

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// Verify reports whether data matches the expected CRC32C checksum.
func Verify(data []byte, expected uint32) bool {
	return CRC32C(data) == expected
}

// Writer accumulates a running CRC32C over successive Write calls,
// useful for checksumming a record assembled from multiple fields
// without copying them into one contiguous buffer first.
type Writer struct {
	crc uint32
}

// NewWriter returns a Writer with an empty running checksum.
func NewWriter() *Writer {
	return &Writer{}
}

// Write extends the running checksum with p and satisfies io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.crc = crc32.Update(w.crc, castagnoliTable, p)
	return len(p), nil
}

// Sum32 returns the checksum accumulated so far.
func (w *Writer) Sum32() uint32 {
	return w.crc
}

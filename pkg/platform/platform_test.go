package platform

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPwritePreadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "data.bin"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	want := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := Pwrite(f, want, 128); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := Pread(f, got, 128); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Pread returned %q, want %q", got, want)
	}
}

func TestAtomicReplaceIsVisibleAfterReturn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "superblock.bin")

	if err := AtomicReplace(path, []byte("v1")); err != nil {
		t.Fatalf("AtomicReplace v1: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after first replace: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("content = %q, want v1", got)
	}

	if err := AtomicReplace(path, []byte("v2-longer-content")); err != nil {
		t.Fatalf("AtomicReplace v2: %v", err)
	}
	got, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after second replace: %v", err)
	}
	if string(got) != "v2-longer-content" {
		t.Fatalf("content = %q, want v2-longer-content", got)
	}
}

func TestMapReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "mapped.bin"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	const size = 4096
	if err := Truncate(f, size); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	region, err := MapReadWrite(f, 0, size)
	if err != nil {
		t.Fatalf("MapReadWrite: %v", err)
	}
	copy(region.Bytes(), []byte("hello mapped world"))
	if err := region.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := region.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	readBack, err := MapReadOnly(f, 0, size)
	if err != nil {
		t.Fatalf("MapReadOnly: %v", err)
	}
	defer readBack.Unmap()
	if !bytes.HasPrefix(readBack.Bytes(), []byte("hello mapped world")) {
		t.Fatalf("read-back mapping does not contain written data")
	}
}

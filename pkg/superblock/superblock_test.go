package superblock

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuemby/xtreestore/pkg/nodeid"
)

func TestCreateThenLoadIsInvalidRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "superblock.bin")

	sb, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sb.Close()

	snap, err := sb.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Root != nodeid.Invalid || snap.Epoch != 0 {
		t.Fatalf("fresh superblock = %+v, want Invalid root and epoch 0", snap)
	}
}

func TestPublishLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "superblock.bin")
	sb, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sb.Close()

	root := nodeid.FromParts(12345, 1)
	if err := sb.Publish(root, 100); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	snap, err := sb.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Root != root || snap.Epoch != 100 || snap.Generation != 1 {
		t.Fatalf("Load() = %+v, want root=%v epoch=100 generation=1", snap, root)
	}

	root2 := nodeid.FromParts(67890, 2)
	if err := sb.Publish(root2, 200); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	snap2, err := sb.Load()
	if err != nil {
		t.Fatalf("Load after second publish: %v", err)
	}
	if snap2.Root != root2 || snap2.Epoch != 200 || snap2.Generation != 2 {
		t.Fatalf("Load() after second publish = %+v, want root=%v epoch=200 generation=2", snap2, root2)
	}
}

func TestPublishRejectsNonMonotonicEpoch(t *testing.T) {
	dir := t.TempDir()
	sb, err := Create(filepath.Join(dir, "superblock.bin"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sb.Close()

	if err := sb.Publish(nodeid.FromParts(1, 1), 50); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := sb.Publish(nodeid.FromParts(2, 1), 50); err == nil {
		t.Fatal("Publish with a non-advancing epoch must error")
	}
	if err := sb.Publish(nodeid.FromParts(2, 1), 10); err == nil {
		t.Fatal("Publish with a regressing epoch must error")
	}
}

func TestConcurrentReadersNeverObserveTornPair(t *testing.T) {
	dir := t.TempDir()
	sb, err := Create(filepath.Join(dir, "superblock.bin"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sb.Close()

	pairs := []struct {
		root  nodeid.ID
		epoch uint64
	}{
		{nodeid.FromParts(12345, 1), 100},
		{nodeid.FromParts(67890, 2), 200},
	}
	if err := sb.Publish(pairs[0].root, pairs[0].epoch); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap, err := sb.Load()
				if err != nil {
					errs <- err
					return
				}
				matchesFirst := snap.Root == pairs[0].root && snap.Epoch == pairs[0].epoch
				matchesSecond := snap.Root == pairs[1].root && snap.Epoch == pairs[1].epoch
				if !matchesFirst && !matchesSecond {
					errs <- fmt.Errorf("observed torn pair root=%v epoch=%d", snap.Root, snap.Epoch)
					return
				}
			}
		}()
	}

	if err := sb.Publish(pairs[1].root, pairs[1].epoch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

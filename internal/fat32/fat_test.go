package fat32

import "testing"

func TestAllocateClusterAdvancesHintAndMarksEOC(t *testing.T) {
	v := mustMountOne(t, buildTestImage(t))
	first, err := v.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}
	if first != 3 {
		t.Fatalf("expected first allocation to land on the fsinfo hint (3), got %d", first)
	}
	entry, rerr := v.readFATEntry(first)
	if rerr != nil {
		t.Fatalf("readFATEntry: %v", rerr)
	}
	if !isEOC(entry) {
		t.Fatalf("newly allocated cluster must be marked end-of-chain, got %#x", entry)
	}

	second, err := v.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected sequential allocation, got %d after %d", second, first)
	}
}

func TestExtendChainLinksClusters(t *testing.T) {
	v := mustMountOne(t, buildTestImage(t))
	first, err := v.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}
	second, err := v.ExtendChain(first)
	if err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	chain, cerr := v.ClusterChain(first)
	if cerr != nil {
		t.Fatalf("ClusterChain: %v", cerr)
	}
	if len(chain) != 2 || chain[0] != first || chain[1] != second {
		t.Fatalf("unexpected chain %v", chain)
	}
}

func TestFreeChainReleasesAndRewindsHint(t *testing.T) {
	v := mustMountOne(t, buildTestImage(t))
	first, err := v.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}
	second, err := v.ExtendChain(first)
	if err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	if ferr := v.FreeChain(first); ferr != nil {
		t.Fatalf("FreeChain: %v", ferr)
	}
	for _, c := range []uint32{first, second} {
		entry, rerr := v.readFATEntry(c)
		if rerr != nil {
			t.Fatalf("readFATEntry(%d): %v", c, rerr)
		}
		if !isFree(entry) {
			t.Fatalf("cluster %d should be free after FreeChain, entry=%#x", c, entry)
		}
	}
	if v.freeClusterHint > first {
		t.Fatalf("expected free hint to rewind to %d or earlier, got %d", first, v.freeClusterHint)
	}
}

func TestWriteFATEntryPreservesReservedBits(t *testing.T) {
	v := mustMountOne(t, buildTestImage(t))

	// simulate a reserved high-nibble bit written by another OS sharing
	// this volume, bypassing writeFATEntry since it only ever writes
	// its own value's low 28 bits.
	const reserved = uint32(0x50000000)
	sectorOff, byteOff := fatEntryLocation(10)
	lba := v.fatRegionStart() + sectorOff
	sector := make([]byte, v.BytesPerSector)
	if _, err := v.dev.ReadBlock(sector, lba, 1); err != nil {
		t.Fatalf("read fat sector: %v", err)
	}
	sector[byteOff+3] = byte(reserved >> 24)
	if _, err := v.dev.WriteBlock(sector, lba, 1); err != nil {
		t.Fatalf("write fat sector: %v", err)
	}

	if werr := v.writeFATEntry(10, 0x00000005); werr != nil {
		t.Fatalf("writeFATEntry: %v", werr)
	}

	raw, rerr := v.readFATEntry(10)
	if rerr != nil {
		t.Fatalf("readFATEntry: %v", rerr)
	}
	if raw&clusterValueMask != 0x00000005 {
		t.Fatalf("value bits = %#x, want 0x5", raw&clusterValueMask)
	}
	if raw&^clusterValueMask != reserved {
		t.Fatalf("reserved bits = %#x, want %#x to survive the write", raw&^clusterValueMask, reserved)
	}
}

func TestOutOfSpaceWhenVolumeIsFull(t *testing.T) {
	v := mustMountOne(t, buildTestImage(t))
	var last uint32
	allocated := 0
	for {
		c, err := v.AllocateCluster()
		if err != nil {
			if err.Kind != OutOfSpace {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		last = c
		allocated++
		if allocated > testTotalClusters+1 {
			t.Fatalf("allocation never reported OutOfSpace")
		}
	}
	_ = last
	if allocated == 0 {
		t.Fatalf("expected at least one successful allocation before exhaustion")
	}
}

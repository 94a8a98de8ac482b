package fat32

import "encoding/binary"

// FAT32 reserves the top 4 bits of each 32-bit FAT entry; they must be
// preserved across a read-modify-write cycle rather than zeroed, per the
// open question in §9 ("drivers that zero the reserved bits on write have
// been observed to corrupt volumes shared with other operating systems").
const (
	clusterValueMask = 0x0FFFFFFF
	clusterFreeValue = 0x00000000
	clusterBadValue  = 0x0FFFFFF7
	clusterEOCMin    = 0x0FFFFFF8
)

func isEOC(v uint32) bool { return v&clusterValueMask >= clusterEOCMin }
func isFree(v uint32) bool { return v&clusterValueMask == clusterFreeValue }
func isBad(v uint32) bool  { return v&clusterValueMask == clusterBadValue }

const fatEntriesPerSector = 128 // 512 / 4

// fatEntryLocation returns the FAT sector (relative to fatRegionStart)
// and the byte offset within it for a given cluster index.
func fatEntryLocation(cluster uint32) (sectorOffset uint64, byteOffset int) {
	return uint64(cluster) / fatEntriesPerSector, int(cluster%fatEntriesPerSector) * 4
}

// readFATEntry reads the raw 32-bit entry (reserved bits included) for
// a cluster from the first FAT copy.
func (v *Volume) readFATEntry(cluster uint32) (uint32, *Error) {
	sectorOff, byteOff := fatEntryLocation(cluster)
	sector := make([]byte, v.BytesPerSector)
	lba := v.fatRegionStart() + sectorOff
	if _, err := v.dev.ReadBlock(sector, lba, 1); err != nil {
		return 0, errf(ReadError, "fat read cluster %d: %v", cluster, err)
	}
	return binary.LittleEndian.Uint32(sector[byteOff : byteOff+4]), nil
}

// writeFATEntry writes the low 28 bits of value into every FAT copy,
// preserving each copy's existing reserved bits rather than overwriting
// them with the caller's (possibly zero) top nibble.
func (v *Volume) writeFATEntry(cluster uint32, value uint32) *Error {
	sectorOff, byteOff := fatEntryLocation(cluster)
	for fatIdx := uint32(0); fatIdx < uint32(v.NumFATs); fatIdx++ {
		lba := v.fatRegionStart() + uint64(fatIdx)*uint64(v.SectorsPerFAT) + sectorOff
		sector := make([]byte, v.BytesPerSector)
		if _, err := v.dev.ReadBlock(sector, lba, 1); err != nil {
			return errf(ReadError, "fat read-modify-write cluster %d: %v", cluster, err)
		}
		existing := binary.LittleEndian.Uint32(sector[byteOff : byteOff+4])
		reserved := existing &^ clusterValueMask
		merged := reserved | (value & clusterValueMask)
		binary.LittleEndian.PutUint32(sector[byteOff:byteOff+4], merged)
		if _, err := v.dev.WriteBlock(sector, lba, 1); err != nil {
			return errf(WriteError, "fat write cluster %d: %v", cluster, err)
		}
	}
	return nil
}

// ClusterChain walks the FAT starting at first, returning the ordered
// list of clusters belonging to a file or directory (§4.6). A chain that
// loops back on itself is truncated at the point of recurrence rather
// than looping forever — FAT32 has no cycle marker of its own, so this
// is a defensive bound, not a spec'd behavior.
func (v *Volume) ClusterChain(first uint32) ([]uint32, *Error) {
	if first < 2 {
		return nil, errf(IOError, "cluster chain: invalid start cluster %d", first)
	}
	var chain []uint32
	seen := make(map[uint32]bool)
	cur := first
	for {
		if seen[cur] {
			break
		}
		seen[cur] = true
		chain = append(chain, cur)
		next, err := v.readFATEntry(cur)
		if err != nil {
			return nil, err
		}
		if isEOC(next) || isBad(next) || isFree(next) {
			break
		}
		cur = next & clusterValueMask
	}
	return chain, nil
}

// AllocateCluster finds a free cluster starting from the volume's free
// hint, marks it end-of-chain, and advances the hint (§4.6: "allocation
// scans forward from the FS-Info hint, wrapping once").
func (v *Volume) AllocateCluster() (uint32, *Error) {
	v.mu.Lock()
	start := v.freeClusterHint
	v.mu.Unlock()

	totalClusters := uint32(v.SectorsPerFAT) * fatEntriesPerSector

	tryAllocate := func(cluster uint32) (uint32, *Error, bool) {
		entry, err := v.readFATEntry(cluster)
		if err != nil {
			return 0, err, true
		}
		if !isFree(entry) {
			return 0, nil, false
		}
		if werr := v.writeFATEntry(cluster, clusterEOCMin); werr != nil {
			return 0, werr, true
		}
		v.mu.Lock()
		v.freeClusterHint = cluster + 1
		if v.freeClusters > 0 {
			v.freeClusters--
		}
		v.mu.Unlock()
		return cluster, nil, true
	}

	for c := start; c < totalClusters; c++ {
		if cluster, err, done := tryAllocate(c); done {
			return cluster, err
		}
	}
	for c := uint32(2); c < start; c++ {
		if cluster, err, done := tryAllocate(c); done {
			return cluster, err
		}
	}
	return 0, errf(OutOfSpace, "no free clusters")
}

// ExtendChain allocates a new cluster and appends it to the end of an
// existing chain, returning the new cluster index.
func (v *Volume) ExtendChain(lastCluster uint32) (uint32, *Error) {
	next, err := v.AllocateCluster()
	if err != nil {
		return 0, err
	}
	if werr := v.writeFATEntry(lastCluster, next); werr != nil {
		return 0, werr
	}
	return next, nil
}

// FreeChain walks first's chain and marks every cluster in it free
// (§4.6: "delete releases every cluster in the chain before removing the
// directory entry"). It tolerates a chain that has already been
// partially freed.
func (v *Volume) FreeChain(first uint32) *Error {
	if first < 2 {
		return nil
	}
	chain, err := v.ClusterChain(first)
	if err != nil {
		return err
	}
	for _, c := range chain {
		if werr := v.writeFATEntry(c, clusterFreeValue); werr != nil {
			return werr
		}
	}
	v.mu.Lock()
	if len(chain) > 0 && chain[0] < v.freeClusterHint {
		v.freeClusterHint = chain[0]
	}
	v.freeClusters += uint32(len(chain))
	v.mu.Unlock()
	return nil
}

package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/rpibmos/kernel/internal/blockdev"
)

// BPB is the parsed BIOS Parameter Block (§3.6).
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	RootCluster       uint32
	FSInfoSector      uint16
	VolumeID          uint32
	VolumeLabel       string
	IsBoot            bool
}

var validBytesPerSector = map[uint16]bool{512: true, 1024: true, 2048: true, 4096: true}
var validSectorsPerCluster = map[uint8]bool{1: true, 2: true, 4: true, 8: true, 16: true, 32: true, 64: true, 128: true}

// parseBPB validates and extracts the BPB fields from a raw 512+ byte
// sector per the Microsoft FAT32 spec, little-endian (§4.6, §6).
func parseBPB(sector []byte) (*BPB, *Error) {
	if len(sector) < 90 {
		return nil, errf(BadBPB, "sector too short for a BPB (%d bytes)", len(sector))
	}
	bpb := &BPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		SectorsPerFAT:     binary.LittleEndian.Uint32(sector[36:40]),
		RootCluster:       binary.LittleEndian.Uint32(sector[44:48]),
		FSInfoSector:      binary.LittleEndian.Uint16(sector[48:50]),
		VolumeID:          binary.LittleEndian.Uint32(sector[67:71]),
	}
	bpb.VolumeLabel = trimFATString(string(sector[71:82]))
	bpb.IsBoot = binary.LittleEndian.Uint16(sector[510:512]) == 0xAA55

	if !validBytesPerSector[bpb.BytesPerSector] {
		return nil, errf(BadBPB, "bytes_per_sector %d invalid", bpb.BytesPerSector)
	}
	if !validSectorsPerCluster[bpb.SectorsPerCluster] {
		return nil, errf(BadBPB, "sectors_per_cluster %d invalid", bpb.SectorsPerCluster)
	}
	if bpb.NumFATs < 1 {
		return nil, errf(BadBPB, "num_fats %d invalid", bpb.NumFATs)
	}
	if bpb.SectorsPerFAT == 0 {
		return nil, errf(BadBPB, "sectors_per_fat is zero")
	}
	if bpb.RootCluster < 2 {
		return nil, errf(BadBPB, "root_cluster %d invalid", bpb.RootCluster)
	}
	return bpb, nil
}

func trimFATString(s string) string {
	i := len(s)
	for i > 0 && (s[i-1] == ' ' || s[i-1] == 0) {
		i--
	}
	return s[:i]
}

// partitionEntry is one of the four 16-byte MBR partition table slots.
type partitionEntry struct {
	bootable    bool
	partType    byte
	startLBA    uint32
	sectorCount uint32
}

func parseMBR(sector []byte) (entries []partitionEntry, isMBR bool) {
	if len(sector) < 512 || binary.LittleEndian.Uint16(sector[510:512]) != 0xAA55 {
		return nil, false
	}
	for i := 0; i < 4; i++ {
		off := 446 + i*16
		e := partitionEntry{
			bootable:    sector[off] == 0x80,
			partType:    sector[off+4],
			startLBA:    binary.LittleEndian.Uint32(sector[off+8 : off+12]),
			sectorCount: binary.LittleEndian.Uint32(sector[off+12 : off+16]),
		}
		if e.partType != 0 {
			entries = append(entries, e)
		}
	}
	return entries, len(entries) > 0
}

const fat32PartitionTypeLBA = 0x0C
const fat32PartitionType = 0x0B

// Volume is the mounted FAT32 filesystem (§3.6, §4.6).
type Volume struct {
	dev          blockdev.Device
	partitionLBA uint64

	BPB

	mu              sync.Mutex
	freeClusterHint uint32
	freeClusters    uint32 // authoritative only after first recompute

	cache DirectoryCache
}

// DirectoryCache is the subset of C7 the volume consults directly; kept as
// an interface so fat32 doesn't import fatcache (avoiding an import
// cycle) while still wiring §4.6's "a negative cache lookup first queries
// C7 by absolute path hash" behavior. FindByPath returns the cached
// entry's *parent* directory cluster — the one findInDirectory needs to
// rescan for the final path segment — not the entry's own first cluster.
type DirectoryCache interface {
	FindByPath(absPath string) (dirCluster uint32, ok bool)
	Add(kind string, firstCluster, dirCluster uint32, name, absPath string)
	Remove(firstCluster uint32)
	Clear()
}

type noopCache struct{}

func (noopCache) FindByPath(string) (uint32, bool)        { return 0, false }
func (noopCache) Add(string, uint32, uint32, string, string) {}
func (noopCache) Remove(uint32)                              {}
func (noopCache) Clear()                                     {}

// Mount reads LBA 0. If it carries an MBR signature, it mounts every
// supported FAT32 partition found there; otherwise LBA 0 itself is
// treated as a super-floppy BPB (§4.6).
func Mount(dev blockdev.Device) ([]*Volume, *Error) {
	sector := make([]byte, dev.BlockSize())
	if _, err := dev.ReadBlock(sector, 0, 1); err != nil {
		return nil, errf(IOError, "read LBA 0: %v", err)
	}

	if parts, isMBR := parseMBR(sector); isMBR {
		var vols []*Volume
		for _, p := range parts {
			if p.partType != fat32PartitionType && p.partType != fat32PartitionTypeLBA {
				continue
			}
			v, err := mountAt(dev, uint64(p.startLBA))
			if err != nil {
				continue
			}
			vols = append(vols, v)
		}
		if len(vols) == 0 {
			return nil, errf(VolumeNotFAT32, "no supported FAT32 partitions in MBR")
		}
		return vols, nil
	}

	v, err := mountAt(dev, 0)
	if err != nil {
		return nil, err
	}
	return []*Volume{v}, nil
}

func mountAt(dev blockdev.Device, partitionLBA uint64) (*Volume, *Error) {
	sector := make([]byte, dev.BlockSize())
	if _, err := dev.ReadBlock(sector, partitionLBA, 1); err != nil {
		return nil, errf(IOError, "read BPB at LBA %d: %v", partitionLBA, err)
	}
	bpb, perr := parseBPB(sector)
	if perr != nil {
		return nil, perr
	}

	v := &Volume{dev: dev, partitionLBA: partitionLBA, BPB: *bpb, cache: noopCache{}}

	if bpb.FSInfoSector != 0 {
		fsInfo := make([]byte, dev.BlockSize())
		if _, err := dev.ReadBlock(fsInfo, partitionLBA+uint64(bpb.FSInfoSector), 1); err == nil {
			if binary.LittleEndian.Uint32(fsInfo[0:4]) == 0x41615252 &&
				binary.LittleEndian.Uint32(fsInfo[484:488]) == 0x61417272 {
				v.freeClusters = binary.LittleEndian.Uint32(fsInfo[488:492])
				v.freeClusterHint = binary.LittleEndian.Uint32(fsInfo[492:496])
				if v.freeClusterHint < 2 {
					v.freeClusterHint = 2
				}
			}
		}
	}
	if v.freeClusterHint < 2 {
		v.freeClusterHint = 2
	}
	return v, nil
}

// SetCache wires the C7 directory cache into the volume (called by
// platform init after both have been constructed).
func (v *Volume) SetCache(c DirectoryCache) {
	if c == nil {
		c = noopCache{}
	}
	v.cache = c
}

// ClusterSizeBytes is sectors_per_cluster * bytes_per_sector (§3.6).
func (v *Volume) ClusterSizeBytes() uint32 {
	return uint32(v.SectorsPerCluster) * uint32(v.BytesPerSector)
}

func (v *Volume) fatRegionStart() uint64 {
	return v.partitionLBA + uint64(v.ReservedSectors)
}

func (v *Volume) dataRegionStart() uint64 {
	return v.fatRegionStart() + uint64(v.NumFATs)*uint64(v.SectorsPerFAT)
}

// FirstSectorOfCluster maps a cluster index to its absolute LBA.
func (v *Volume) FirstSectorOfCluster(cluster uint32) uint64 {
	return v.dataRegionStart() + uint64(cluster-2)*uint64(v.SectorsPerCluster)
}

// readCluster reads one whole cluster's worth of bytes.
func (v *Volume) readCluster(cluster uint32) ([]byte, *Error) {
	buf := make([]byte, v.ClusterSizeBytes())
	n, err := v.dev.ReadBlock(buf, v.FirstSectorOfCluster(cluster), uint32(v.SectorsPerCluster))
	if err != nil || n != uint32(v.SectorsPerCluster) {
		return nil, errf(ReadError, "cluster %d: %v", cluster, err)
	}
	return buf, nil
}

// writeCluster writes one whole cluster's worth of bytes (§4.6: "every
// on-disk write is a read-modify-write of whole sectors").
func (v *Volume) writeCluster(cluster uint32, data []byte) *Error {
	if uint32(len(data)) != v.ClusterSizeBytes() {
		return errf(WriteError, "cluster %d: write buffer size %d != cluster size %d", cluster, len(data), v.ClusterSizeBytes())
	}
	n, err := v.dev.WriteBlock(data, v.FirstSectorOfCluster(cluster), uint32(v.SectorsPerCluster))
	if err != nil || n != uint32(v.SectorsPerCluster) {
		return errf(WriteError, "cluster %d: %v", cluster, err)
	}
	return nil
}

// Unmount clears the directory cache. It does not remove the volume from
// the registry; a registered volume stays registered after Unmount.
func (v *Volume) Unmount() {
	v.cache.Clear()
}

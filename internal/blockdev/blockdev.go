// Package blockdev defines the block device interface consumed by the
// FAT32 volume (C6) and provided by the EMMC driver (C5) or, for tests,
// an in-memory double (§6).
package blockdev

import "fmt"

// Device is the external block-device contract of §6.
type Device interface {
	// BlockSize is always 512 for SD.
	BlockSize() uint32
	// Seek positions the device at the given block offset for a
	// subsequent ReadCurrent.
	Seek(blockOffset uint64) error
	// ReadBlock reads nBlocks starting at lba into buf, returning the
	// count of blocks actually read.
	ReadBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error)
	// ReadCurrent reads nBlocks from the device's current seek position.
	ReadCurrent(buf []byte, nBlocks uint32) (uint32, error)
	// WriteBlock writes nBlocks starting at lba from buf.
	WriteBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error)
}

// Memory is an in-memory block device double, used by filesystem tests
// and by host-side tooling that mounts an SD-card image file.
type Memory struct {
	blockSize uint32
	data      []byte
	pos       uint64
}

// NewMemory allocates a zero-filled in-memory device of nBlocks blocks.
func NewMemory(nBlocks uint64, blockSize uint32) *Memory {
	return &Memory{
		blockSize: blockSize,
		data:      make([]byte, nBlocks*uint64(blockSize)),
	}
}

// NewMemoryFromImage wraps an existing byte slice (e.g. a loaded SD-card
// image) as a block device.
func NewMemoryFromImage(image []byte, blockSize uint32) *Memory {
	return &Memory{blockSize: blockSize, data: image}
}

func (m *Memory) BlockSize() uint32 { return m.blockSize }

func (m *Memory) Seek(blockOffset uint64) error {
	if blockOffset*uint64(m.blockSize) > uint64(len(m.data)) {
		return fmt.Errorf("blockdev: seek %d past end of device", blockOffset)
	}
	m.pos = blockOffset
	return nil
}

func (m *Memory) ReadBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error) {
	if err := m.Seek(lba); err != nil {
		return 0, err
	}
	return m.ReadCurrent(buf, nBlocks)
}

func (m *Memory) ReadCurrent(buf []byte, nBlocks uint32) (uint32, error) {
	start := m.pos * uint64(m.blockSize)
	want := uint64(nBlocks) * uint64(m.blockSize)
	if start > uint64(len(m.data)) {
		return 0, fmt.Errorf("blockdev: read past end of device")
	}
	avail := uint64(len(m.data)) - start
	n := want
	if n > avail {
		n = avail
	}
	if uint64(len(buf)) < n {
		n = uint64(len(buf))
	}
	copy(buf[:n], m.data[start:start+n])
	m.pos += n / uint64(m.blockSize)
	return uint32(n / uint64(m.blockSize)), nil
}

func (m *Memory) WriteBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error) {
	start := lba * uint64(m.blockSize)
	want := uint64(nBlocks) * uint64(m.blockSize)
	if start+want > uint64(len(m.data)) {
		return 0, fmt.Errorf("blockdev: write past end of device")
	}
	copy(m.data[start:start+want], buf[:want])
	m.pos = lba + uint64(nBlocks)
	return nBlocks, nil
}

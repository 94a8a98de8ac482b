// Package mailbox implements the request/response shape of the VideoCore
// mailbox property interface (§6: "consumed by platform init"). The
// message catalog (individual tag semantics) is out of scope; this
// package only builds and parses the 16-byte-aligned buffer layout and
// drives the MMIO handshake, the way internal/devices/fwcfg drives its
// own selector/data register protocol.
package mailbox

import (
	"encoding/binary"
	"fmt"
)

// MMIO register offsets within the mailbox peripheral, relative to the
// board's peripheral base plus the mailbox's own offset (0xB880 on both
// BCM2837 and BCM2711).
const (
	RegRead   = 0x00
	RegStatus = 0x18
	RegWrite  = 0x20
)

const (
	statusFull  = 1 << 31
	statusEmpty = 1 << 30
)

// Channel selects which mailbox queue a request travels on; the
// property-tag interface platform init uses lives on channel 8.
const ChannelPropertyTags = 8

const (
	codeRequest      = 0x00000000
	codeResponseOK   = 0x80000000
	codeResponseFail = 0x80000001
)

// Port is the MMIO register contract the mailbox peripheral presents.
type Port interface {
	ReadReg(offset uint32) uint32
	WriteReg(offset uint32, value uint32)
}

// Mailbox drives the property-tag request/response protocol over a Port.
type Mailbox struct {
	port Port

	// afterWrite, when set, runs right after the request is encoded and
	// the channel/address word is written, letting tests install the
	// firmware's response into buf before Call reads it back. Real
	// hardware needs no such hook: the VideoCore writes the reply
	// itself once it has processed the request.
	afterWrite func(buf []byte)
}

func New(port Port) *Mailbox {
	return &Mailbox{port: port}
}

// Tag is one request/response tag within a property buffer: {tag_id,
// value_buf_size, req_code=0, value_buf...} per §6.
type Tag struct {
	ID      uint32
	Request []byte
}

// Call builds the 16-byte-aligned buffer, exchanges it with the
// VideoCore over the given physical address (the caller owns DMA-safe,
// cache-coherent memory at addr), and reports whether the firmware
// reported success.
//
// buf must already hold addr's backing bytes; Call writes the request
// in place and re-reads the response from the same slice, mirroring how
// real hardware mutates the shared buffer.
func (m *Mailbox) Call(addr uint32, buf []byte, tags []Tag) error {
	if err := encodeRequest(buf, tags); err != nil {
		return err
	}
	if addr&0xF != 0 {
		return fmt.Errorf("mailbox: address %#x is not 16-byte aligned", addr)
	}

	m.waitUntilNotFull()
	m.port.WriteReg(RegWrite, (addr&^0xF)|ChannelPropertyTags)
	if m.afterWrite != nil {
		m.afterWrite(buf)
	}

	for {
		reply := m.waitForReply()
		if reply&0xF != ChannelPropertyTags {
			continue
		}
		break
	}

	code := binary.LittleEndian.Uint32(buf[4:8])
	switch code {
	case codeResponseOK:
		return nil
	case codeResponseFail:
		return fmt.Errorf("mailbox: videocore reported a parse error")
	default:
		return fmt.Errorf("mailbox: unexpected response code %#x", code)
	}
}

func (m *Mailbox) waitUntilNotFull() {
	for m.port.ReadReg(RegStatus)&statusFull != 0 {
	}
}

func (m *Mailbox) waitForReply() uint32 {
	for m.port.ReadReg(RegStatus)&statusEmpty != 0 {
	}
	return m.port.ReadReg(RegRead)
}

// encodeRequest lays out {total_size, req_code=0, tags..., end_tag=0}
// padded to a multiple of 16 bytes. Each tag's offset is computed only to
// place the tag; the offsets are not returned to the caller.
func encodeRequest(buf []byte, tags []Tag) error {
	size := 8 // total_size + req/resp_code
	offsets := make([]int, len(tags))
	for i, t := range tags {
		offsets[i] = size
		size += 12 + len(t.Request) // tag_id, value_buf_size, req_code, value_buf
	}
	size += 4 // end tag
	size = alignUp16(size)

	if len(buf) < size {
		return fmt.Errorf("mailbox: buffer too small: need %d bytes, have %d", size, len(buf))
	}
	for i := range buf[:size] {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], codeRequest)

	for i, t := range tags {
		off := offsets[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], t.ID)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(len(t.Request)))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], 0)
		copy(buf[off+12:off+12+len(t.Request)], t.Request)
	}
	return nil
}

func alignUp16(n int) int {
	return (n + 15) &^ 15
}

// Package klog is a thread-safe binary structured logger for kernel-internal
// diagnostics. It is deliberately not the serial console the CLI owns: the
// console is a scarce, synchronous UART; klog records EMMC retries,
// scheduler decisions and directory-cache collisions to an in-memory ring
// that "show diagnostics" can later drain.
//
// Each record is a fixed 16-byte header followed by source and message
// bytes:
//   - 2 bytes kind (0 invalid, 1 bytes, 2 string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (the ring's nowFunc value; kctx.New is handed the
//     system timer's microsecond counter)
//
// Writers append at an atomically reserved offset so concurrent IRQ
// handlers and kernel tasks never tear each other's records, even though
// in practice only one core is ever running (§5).
package klog

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

// Record is a decoded log entry.
type Record struct {
	Kind      Kind
	Source    string
	Message   string
	Timestamp int64
}

// Ring is a bounded in-memory structured log. On bare metal one Ring backs
// the whole kernel; tests construct private rings.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	offset  uint64
	cap     uint64
	nowFunc func() int64
}

// NewRing allocates a ring logger with the given byte capacity. Once full,
// writes wrap and overwrite the oldest records (bare-metal kernels cannot
// grow a heap allocation indefinitely).
func NewRing(capacity uint64, nowFunc func() int64) *Ring {
	if nowFunc == nil {
		nowFunc = func() int64 { return 0 }
	}
	return &Ring{
		buf:     make([]byte, capacity),
		cap:     capacity,
		nowFunc: nowFunc,
	}
}

func (r *Ring) reserve(n uint64) uint64 {
	off := atomic.AddUint64(&r.offset, n) - n
	return off % r.cap
}

// Writef formats a message and appends it tagged with source.
func (r *Ring) Writef(source, format string, args ...any) {
	r.WriteString(source, fmt.Sprintf(format, args...))
}

// WriteString appends a string record.
func (r *Ring) WriteString(source, message string) {
	r.write(KindString, source, []byte(message))
}

// WriteBytes appends a raw-bytes record (used for dumping register state).
func (r *Ring) WriteBytes(source string, data []byte) {
	r.write(KindBytes, source, data)
}

func (r *Ring) write(kind Kind, source string, data []byte) {
	if r.cap == 0 {
		return
	}
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(r.nowFunc()))

	record := make([]byte, 0, headerSize+len(source)+len(data))
	record = append(record, header...)
	record = append(record, source...)
	record = append(record, data...)

	if uint64(len(record)) > r.cap {
		// Record larger than the whole ring: keep the tail, it's the
		// most diagnostic part (matches how §9's diagnostics are meant
		// to be "short strings").
		record = record[uint64(len(record))-r.cap:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.reserve(uint64(len(record)))
	for i := 0; i < len(record); i++ {
		r.buf[(off+uint64(i))%r.cap] = record[i]
	}
}

// Drain decodes up to max records from the ring in an unspecified but
// stable order, for "show diagnostics". It never mutates the ring.
func (r *Ring) Drain(max int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	total := atomic.LoadUint64(&r.offset)
	start := uint64(0)
	if total > r.cap {
		start = total - r.cap
	}
	pos := start
	for pos < total && (max <= 0 || len(out) < max) {
		if total-pos < headerSize {
			break
		}
		header := r.readAt(pos, headerSize)
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		srcLen := uint64(binary.LittleEndian.Uint16(header[2:4]))
		dataLen := uint64(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))
		need := headerSize + srcLen + dataLen
		if pos+need > total {
			break
		}
		src := r.readAt(pos+headerSize, srcLen)
		data := r.readAt(pos+headerSize+srcLen, dataLen)
		out = append(out, Record{
			Kind:      kind,
			Source:    string(src),
			Message:   string(data),
			Timestamp: ts,
		})
		pos += need
	}
	return out
}

func (r *Ring) readAt(off, n uint64) []byte {
	out := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		out[i] = r.buf[(off+i)%r.cap]
	}
	return out
}

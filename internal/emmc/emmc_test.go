package emmc

import (
	"bytes"
	"testing"
	"time"
)

// fakeCard simulates an SD card well enough to drive Device's state
// machine and block transfer without real hardware.
type fakeCard struct {
	sdhc      bool
	v2        bool
	ocrReadyAfter int // number of ACMD41 polls before powered bit set
	ocrPolls  int

	rca       uint32
	resp      [4]uint32
	data      []byte // backing store, nBlocks*BlockSize long per command
	storage   map[uint64][]byte
	blockSize uint32
	blockCnt  uint32
	wordIdx   int
	lastCmd   CommandIndex
	pendingArg uint32

	resetCalled bool
	clockStable bool

	noSelectCardGoodStatus bool
	failClockStabilize     bool
}

func newFakeCard(sdhc, v2 bool) *fakeCard {
	return &fakeCard{sdhc: sdhc, v2: v2, storage: make(map[uint64][]byte), clockStable: true}
}

func (c *fakeCard) ResetHost() error { c.resetCalled = true; return nil }

func (c *fakeCard) SetClockDivider(encoded uint32) bool {
	return c.clockStable && !c.failClockStabilize
}

func (c *fakeCard) SendCommand(cmd CommandIndex, arg uint32, withData bool, timeout time.Duration) bool {
	c.lastCmd = cmd
	c.pendingArg = arg
	switch cmd {
	case CmdGoIdle:
		c.resp = [4]uint32{}
	case CmdSendIfCond:
		if !c.v2 {
			return false // command-timeout path for V1 cards
		}
		c.resp[0] = arg // echo check pattern
	case CmdAppCmd:
		c.resp[0] = 0
	case CmdSDSendOpCond:
		c.ocrPolls++
		if c.ocrPolls >= c.ocrReadyAfter {
			ocr := uint32(1<<31) | 0x00FF8000
			if c.sdhc {
				ocr |= 1 << 30
			}
			c.resp[0] = ocr
		} else {
			c.resp[0] = 0
		}
	case CmdSendCID:
		c.resp = [4]uint32{1, 2, 3, 4}
	case CmdSendRelativeAdr:
		c.rca = 0xAAAA
		c.resp[0] = c.rca << 16
	case CmdSelectCard:
		if c.noSelectCardGoodStatus {
			c.resp[0] = 0 // bad status
		} else {
			c.resp[0] = 4 << 9 // "transfer" state
		}
	case CmdSendSCR:
		c.data = make([]byte, 8) // the 8-byte SCR, read as two words
		c.wordIdx = 0
	case CmdReadSingle, CmdReadMultiple:
		lba := c.argToLBA(arg)
		block := c.storage[lba]
		if block == nil {
			block = make([]byte, int(c.blockCnt)*BlockSize)
		}
		c.data = block
		c.wordIdx = 0
	case CmdWriteSingle, CmdWriteMultiple:
		c.data = make([]byte, int(c.blockCnt)*BlockSize)
		c.wordIdx = 0
	}
	return true
}

func (c *fakeCard) argToLBA(arg uint32) uint64 {
	if c.sdhc {
		return uint64(arg)
	}
	return uint64(arg) / BlockSize
}

func (c *fakeCard) Response() [4]uint32 { return c.resp }

func (c *fakeCard) InhibitReady(timeout time.Duration) bool { return true }

func (c *fakeCard) SetBlockSizeCount(size, count uint32) {
	c.blockSize = size
	c.blockCnt = count
}

func (c *fakeCard) ReadWord() uint32 {
	off := c.wordIdx * 4
	v := uint32(c.data[off]) | uint32(c.data[off+1])<<8 | uint32(c.data[off+2])<<16 | uint32(c.data[off+3])<<24
	c.wordIdx++
	return v
}

func (c *fakeCard) WriteWord(v uint32) {
	off := c.wordIdx * 4
	c.data[off] = byte(v)
	c.data[off+1] = byte(v >> 8)
	c.data[off+2] = byte(v >> 16)
	c.data[off+3] = byte(v >> 24)
	c.wordIdx++
}

func (c *fakeCard) DataReady(isWrite bool, timeout time.Duration) bool { return true }

func (c *fakeCard) AckInterrupts(mask uint32) {
	if c.lastCmd == CmdWriteSingle || c.lastCmd == CmdWriteMultiple {
		lba := c.argToLBA(c.pendingArg)
		c.storage[lba] = append([]byte{}, c.data...)
	}
}

func (c *fakeCard) CommandLineReset() {}

func initializedCard(t *testing.T, sdhc, v2 bool) (*Device, *fakeCard) {
	t.Helper()
	card := newFakeCard(sdhc, v2)
	card.ocrReadyAfter = 2
	d := New(card)
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d, card
}

func TestInitializeSDHC(t *testing.T) {
	d, card := initializedCard(t, true, true)
	if !d.state.Initialized {
		t.Fatalf("expected Initialized=true")
	}
	if !d.state.IsSDHC {
		t.Fatalf("expected IsSDHC=true")
	}
	if d.state.RCA != 0xAAAA {
		t.Fatalf("unexpected RCA %#x", d.state.RCA)
	}
	if !card.resetCalled {
		t.Fatalf("expected ResetHost to be called")
	}
}

func TestInitializeNonSDHCV1(t *testing.T) {
	d, _ := initializedCard(t, false, false)
	if d.state.IsSDHC {
		t.Fatalf("expected IsSDHC=false for a V1 non-HC card")
	}
}

func TestInitializeFailsOnBadSelectStatus(t *testing.T) {
	card := newFakeCard(true, true)
	card.ocrReadyAfter = 1
	card.noSelectCardGoodStatus = true
	d := New(card)
	err := d.Initialize()
	if err == nil || err.Kind != SelectCardBad {
		t.Fatalf("expected SelectCardBad, got %v", err)
	}
}

func TestInitializeFailsWhenClockNeverStabilizes(t *testing.T) {
	card := newFakeCard(true, true)
	card.failClockStabilize = true
	d := New(card)
	err := d.Initialize()
	if err == nil || err.Kind != ClockNotStable {
		t.Fatalf("expected ClockNotStable, got %v", err)
	}
}

func TestInitializeFailsWhenOCRNeverPowers(t *testing.T) {
	card := newFakeCard(true, true)
	card.ocrReadyAfter = ocrPollLimit + 10
	d := New(card)
	err := d.Initialize()
	if err == nil || err.Kind != SDHCProbeTimeout {
		t.Fatalf("expected SDHCProbeTimeout, got %v", err)
	}
}

func TestReadWriteRoundTripSDHC(t *testing.T) {
	d, _ := initializedCard(t, true, true)

	want := bytes.Repeat([]byte{0xAB}, BlockSize*2)
	if err := d.WriteBlocks(want, 5, 2); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, BlockSize*2)
	if err := d.ReadBlocks(got, 5, 2); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadWriteRoundTripNonSDHCMultipliesLBA(t *testing.T) {
	d, card := initializedCard(t, false, true)

	want := bytes.Repeat([]byte{0xCD}, BlockSize)
	if err := d.WriteBlocks(want, 3, 1); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if _, ok := card.storage[3]; !ok {
		t.Fatalf("expected storage keyed by block-lba 3 even though byte-addressed internally")
	}

	got := make([]byte, BlockSize)
	if err := d.ReadBlocks(got, 3, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("round trip mismatch for non-SDHC card")
	}
}

func TestClockDividerPowerOfTwoCappedAt1024(t *testing.T) {
	cases := []struct {
		base, target, want uint32
	}{
		{41_666_666, 25_000_000, 2},
		{41_666_666, 400_000, 128},
		{1000, 1, 1024}, // would need 1000, capped
		{1000, 2000, 1}, // already faster than target
	}
	for _, c := range cases {
		if got := ClockDivider(c.base, c.target); got != c.want {
			t.Errorf("ClockDivider(%d,%d) = %d, want %d", c.base, c.target, got, c.want)
		}
	}
}

func TestEncodeControl1Divider(t *testing.T) {
	// divider 2 -> lo=2, hi=0 -> (2<<8)|0 = 0x200
	if got := EncodeControl1Divider(2); got != 0x200 {
		t.Fatalf("EncodeControl1Divider(2) = %#x, want 0x200", got)
	}
}

// TestEncodeControl1DividerPreservesHighBits exercises a divider >= 256,
// where the divider's upper 2 bits must land unmasked at 0xC0. A prior
// version ANDed the shifted high bits with 0x30 (bits 4-5), which always
// zeroed them and made any divider >= 256 encode identically to its low
// 8 bits alone.
func TestEncodeControl1DividerPreservesHighBits(t *testing.T) {
	// divider 300 -> lo=300&0xff=44, hi=(300>>8)&0x3=1 -> (44<<8)|(1<<6) = 0x2C40
	if got := EncodeControl1Divider(300); got != 0x2C40 {
		t.Fatalf("EncodeControl1Divider(300) = %#x, want 0x2C40", got)
	}
	if EncodeControl1Divider(300) == EncodeControl1Divider(44) {
		t.Fatalf("EncodeControl1Divider(300) must differ from EncodeControl1Divider(44); high bits were dropped")
	}
}

func TestCommandAckMaskNeverIncludesDataDone(t *testing.T) {
	if CommandAckMask&IntDataDone != 0 {
		t.Fatalf("command ack mask must never include data_done")
	}
	if CommandAckMask&IntCommandDone == 0 {
		t.Fatalf("command ack mask must include command_done")
	}
}

package klog

import "testing"

func TestRingWriteDrain(t *testing.T) {
	var n int64
	r := NewRing(4096, func() int64 { n++; return n })

	r.Writef("emmc", "retry %d of %d", 1, 3)
	r.WriteString("sched", "schedule: pick task")

	recs := r.Drain(0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Source != "emmc" || recs[0].Message != "retry 1 of 3" {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Source != "sched" || recs[1].Message != "schedule: pick task" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
	if recs[0].Timestamp >= recs[1].Timestamp {
		t.Fatalf("expected monotonic timestamps")
	}
}

func TestRingWraps(t *testing.T) {
	r := NewRing(64, func() int64 { return 0 })
	for i := 0; i < 20; i++ {
		r.WriteString("x", "0123456789")
	}
	recs := r.Drain(0)
	if len(recs) == 0 {
		t.Fatalf("expected some records to survive wraparound")
	}
	for _, rec := range recs {
		if rec.Source != "x" || rec.Message != "0123456789" {
			t.Fatalf("corrupted record after wrap: %+v", rec)
		}
	}
}

func TestZeroCapacityRingIsNoop(t *testing.T) {
	r := NewRing(0, nil)
	r.WriteString("x", "y")
	if recs := r.Drain(0); len(recs) != 0 {
		t.Fatalf("expected no records from a zero-capacity ring, got %d", len(recs))
	}
}

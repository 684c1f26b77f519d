package health

import (
	"testing"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

func alwaysUnmapped(sectorio.Sector) bool { return false }

func TestRecordIgnoresOK(t *testing.T) {
	tr := New(3, alwaysUnmapped)

	v := tr.Record(10, OpRead, StatusOK, 1)
	if v != VerdictIgnore {
		t.Fatalf("expected Ignore verdict for OK status")
	}

	if _, ok := tr.Get(10); ok {
		t.Fatalf("OK status should not create a health record")
	}
}

func TestRecordQuarantineAtThreshold(t *testing.T) {
	tr := New(2, alwaysUnmapped)

	if v := tr.Record(5, OpWrite, StatusError, 1); v != VerdictIgnore {
		t.Fatalf("first error should not quarantine, got %v", v)
	}

	v := tr.Record(5, OpWrite, StatusError, 2)
	if v != VerdictQuarantine {
		t.Fatalf("second error at threshold=2 should quarantine, got %v", v)
	}

	rec, ok := tr.Get(5)
	if !ok {
		t.Fatalf("expected a health record")
	}

	if rec.WriteErrors != 2 || rec.State != StateDegraded {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecordDoesNotQuarantineAlreadyRemapped(t *testing.T) {
	tr := New(1, func(sectorio.Sector) bool { return true })

	v := tr.Record(7, OpRead, StatusError, 1)
	if v != VerdictIgnore {
		t.Fatalf("already-remapped sector must never quarantine, got %v", v)
	}
}

func TestCounterSaturates(t *testing.T) {
	tr := New(250, alwaysUnmapped)

	for i := 0; i < 300; i++ {
		tr.Record(1, OpRead, StatusError, uint64(i))
	}

	rec, ok := tr.Get(1)
	if !ok {
		t.Fatalf("expected record")
	}

	if rec.ReadErrors != 255 {
		t.Fatalf("ReadErrors = %d, want saturated at 255", rec.ReadErrors)
	}
}

func TestMarkRemappedTransitionsToFailed(t *testing.T) {
	tr := New(1, alwaysUnmapped)

	tr.Record(2, OpWrite, StatusError, 1)
	tr.MarkRemapped(2)

	rec, ok := tr.Get(2)
	if !ok || rec.State != StateFailed {
		t.Fatalf("expected FAILED state after MarkRemapped, got %+v ok=%v", rec, ok)
	}

	if tr.CountByState(StateFailed) != 1 {
		t.Fatalf("CountByState(FAILED) = %d, want 1", tr.CountByState(StateFailed))
	}
}

func TestShardingDoesNotLoseRecords(t *testing.T) {
	tr := New(1, alwaysUnmapped)

	for s := sectorio.Sector(0); s < 200; s++ {
		tr.Record(s, OpRead, StatusError, uint64(s))
	}

	if tr.CountByState(StateDegraded) != 200 {
		t.Fatalf("CountByState(DEGRADED) = %d, want 200", tr.CountByState(StateDegraded))
	}
}

package logwarden

import (
	"testing"
	"time"
)

func TestFingerprint_Deterministic(t *testing.T) {
	if FingerprintSeed() != FingerprintSeed() {
		t.Fatal("seed not stable")
	}
	a := Fingerprint(FingerprintSeed(), "hello")
	b := Fingerprint(FingerprintSeed(), "hello")
	if a != b {
		t.Error("same input produced different fingerprints")
	}
	if a == Fingerprint(FingerprintSeed(), "hellp") {
		t.Error("different lines produced the same fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestFingerprint_OrderSensitive(t *testing.T) {
	ab := Fingerprint(Fingerprint(FingerprintSeed(), "a"), "b")
	ba := Fingerprint(Fingerprint(FingerprintSeed(), "b"), "a")
	if ab == ba {
		t.Error("fingerprint ignores record order")
	}
}

func TestSnapshot_WindowRollover(t *testing.T) {
	snap := NewSnapshot(Log{Name: "auth", ID: "log-1"}, 10)

	for _, msg := range []string{"one", "two", "three"} {
		snap.AddRecord(Record{Log: Log{Name: "auth"}, Timestamp: time.Now(), Message: msg})
	}
	if snap.NextLine() != 13 {
		t.Errorf("expected next line 13, got %d", snap.NextLine())
	}

	up := snap.UploadPrep()
	if up.FirstLine != 10 || up.LastLine != 13 {
		t.Errorf("expected window [10, 13), got [%d, %d)", up.FirstLine, up.LastLine)
	}
	if up.LogID != "log-1" {
		t.Errorf("expected log id log-1, got %q", up.LogID)
	}

	want := FingerprintSeed()
	for _, msg := range []string{"one", "two", "three"} {
		want = Fingerprint(want, msg)
	}
	if up.Fingerprint != want {
		t.Errorf("expected fingerprint %s, got %s", want, up.Fingerprint)
	}

	// The next window starts where the closed one ended, reseeded.
	if snap.LineCount() != 0 {
		t.Errorf("expected empty window after rollover, got %d lines", snap.LineCount())
	}
	if snap.NextLine() != 13 {
		t.Errorf("expected next line 13 after rollover, got %d", snap.NextLine())
	}
	empty := snap.UploadPrep()
	if empty.FirstLine != empty.LastLine {
		t.Errorf("empty window has non-empty bounds [%d, %d)", empty.FirstLine, empty.LastLine)
	}
	if empty.Fingerprint != FingerprintSeed() {
		t.Error("rolled-over window did not reseed its fingerprint")
	}
}

func TestSnapshot_SetLogID(t *testing.T) {
	snap := NewSnapshot(Log{Name: "kern"}, 0)
	snap.SetLogID("log-9")
	if snap.Log().ID != "log-9" {
		t.Errorf("expected id log-9, got %q", snap.Log().ID)
	}
}

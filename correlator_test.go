package logwarden

import (
	"errors"
	"sync"
	"testing"
)

func TestCorrelator_AllocateLowestFree(t *testing.T) {
	c := NewCorrelator(nil)
	log := Log{Name: "syslog"}

	for want := uint32(0); want < 3; want++ {
		id, err := c.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
		if err := c.Register(id, log, 0, 10); err != nil {
			t.Fatal(err)
		}
	}

	// Abandoning id 1 frees it for reuse before higher ids.
	c.Abandon(1)
	id, err := c.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("expected reused id 1, got %d", id)
	}
}

func TestCorrelator_ConcurrentAllocateAndRegisterDistinctIDs(t *testing.T) {
	c := NewCorrelator(nil)
	log := Log{Name: "syslog"}

	const flows = 16
	ids := make(chan uint32, flows)
	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.AllocateAndRegister(log, 0, 10)
			if err != nil {
				t.Errorf("allocate and register: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d handed out twice", id)
		}
		seen[id] = true
	}
	if len(seen) != flows {
		t.Errorf("expected %d registered flows, got %d", flows, len(seen))
	}
	if c.PendingCount() != flows {
		t.Errorf("expected %d pending entries, got %d", flows, c.PendingCount())
	}
}

func TestCorrelator_AllocateAndRegisterRejectsInvertedRange(t *testing.T) {
	c := NewCorrelator(nil)
	if _, err := c.AllocateAndRegister(Log{Name: "syslog"}, 10, 5); err == nil {
		t.Error("expected error for begin > end")
	}
	if c.PendingCount() != 0 {
		t.Errorf("rejected registration left %d pending entries", c.PendingCount())
	}
}

func TestCorrelator_DuplicateRegister(t *testing.T) {
	c := NewCorrelator(nil)
	log := Log{Name: "syslog"}
	if err := c.Register(5, log, 0, 10); err != nil {
		t.Fatal(err)
	}
	err := c.Register(5, log, 0, 10)
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("expected ErrDuplicateRequestID, got %v", err)
	}
}

func TestCorrelator_ResponseForUnknownID(t *testing.T) {
	c := NewCorrelator(nil)
	err := c.OnResponse(9, StatusFoundBeginSend)
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Errorf("expected ErrUnknownRequestID, got %v", err)
	}
	err = c.OnData(9, 0, 1, []string{"x"})
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Errorf("expected ErrUnknownRequestID, got %v", err)
	}
}

func TestCorrelator_ChunkAccounting(t *testing.T) {
	c := NewCorrelator(nil)
	log := Log{Name: "syslog"}
	if err := c.Register(0, log, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.OnResponse(0, StatusFoundBeginSend); err != nil {
		t.Fatal(err)
	}

	if err := c.OnData(0, 0, 6, []string{"a", "b", "c", "d", "e", "f"}); err != nil {
		t.Fatal(err)
	}
	if c.IsComplete(0) {
		t.Error("request complete after partial delivery")
	}
	if err := c.OnData(0, 6, 10, []string{"g", "h", "i", "j"}); err != nil {
		t.Fatal(err)
	}
	if !c.IsComplete(0) {
		t.Fatal("request not complete after full delivery")
	}

	lines := c.assembled(0)
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}
	if lines[0] != "a" || lines[5] != "f" || lines[6] != "g" || lines[9] != "j" {
		t.Errorf("lines out of order: %v", lines)
	}

	c.Release(0)
	if c.PendingCount() != 0 {
		t.Errorf("expected empty table after release, got %d pending", c.PendingCount())
	}
}

func TestCorrelator_OutOfOrderChunk(t *testing.T) {
	c := NewCorrelator(nil)
	log := Log{Name: "syslog"}
	if err := c.Register(0, log, 0, 60); err != nil {
		t.Fatal(err)
	}

	lines := make([]string, 40)
	if err := c.OnData(0, 0, 40, lines); err != nil {
		t.Fatal(err)
	}
	// Chunk starting at 50 when only 0-40 have been received.
	err := c.OnData(0, 50, 60, make([]string, 10))
	if !errors.Is(err, ErrOutOfOrderData) {
		t.Fatalf("expected ErrOutOfOrderData, got %v", err)
	}
	if c.IsComplete(0) {
		t.Error("flow completed despite out-of-order data")
	}
	if termErr, failed := c.terminalErr(0); !failed || !errors.Is(termErr, ErrOutOfOrderData) {
		t.Errorf("expected failed flow with ErrOutOfOrderData, got failed=%v err=%v", failed, termErr)
	}
}

func TestCorrelator_OverlappingChunkRejected(t *testing.T) {
	c := NewCorrelator(nil)
	if err := c.Register(0, Log{Name: "syslog"}, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.OnData(0, 0, 6, make([]string, 6)); err != nil {
		t.Fatal(err)
	}
	// Overlaps the already received [0, 6).
	err := c.OnData(0, 4, 10, make([]string, 6))
	if !errors.Is(err, ErrOutOfOrderData) {
		t.Errorf("expected ErrOutOfOrderData, got %v", err)
	}
}

func TestCorrelator_RangeOverrun(t *testing.T) {
	c := NewCorrelator(nil)
	if err := c.Register(0, Log{Name: "syslog"}, 0, 10); err != nil {
		t.Fatal(err)
	}
	err := c.OnData(0, 0, 12, make([]string, 12))
	if !errors.Is(err, ErrRangeOverrun) {
		t.Errorf("expected ErrRangeOverrun, got %v", err)
	}
}

func TestCorrelator_FailureStatusTerminates(t *testing.T) {
	c := NewCorrelator(nil)
	if err := c.Register(0, Log{Name: "syslog"}, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.OnResponse(0, StatusNotFound); err != nil {
		t.Fatal(err)
	}
	termErr, failed := c.terminalErr(0)
	if !failed || !errors.Is(termErr, ErrLogNotFound) {
		t.Errorf("expected failed flow with ErrLogNotFound, got failed=%v err=%v", failed, termErr)
	}
}

func TestCorrelator_EndSendBeforeCompletion(t *testing.T) {
	c := NewCorrelator(nil)
	if err := c.Register(0, Log{Name: "syslog"}, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.OnResponse(0, StatusFoundBeginSend); err != nil {
		t.Fatal(err)
	}
	if err := c.OnData(0, 0, 4, make([]string, 4)); err != nil {
		t.Fatal(err)
	}
	// End marker while records are still missing means they were lost.
	if err := c.OnResponse(0, StatusEndSend); err != nil {
		t.Fatal(err)
	}
	termErr, failed := c.terminalErr(0)
	if !failed || !errors.Is(termErr, ErrIncompleteDelivery) {
		t.Errorf("expected ErrIncompleteDelivery, got failed=%v err=%v", failed, termErr)
	}
}

func TestCorrelator_AbandonDiscardsPartialState(t *testing.T) {
	c := NewCorrelator(nil)
	if err := c.Register(0, Log{Name: "syslog"}, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.OnData(0, 0, 4, make([]string, 4)); err != nil {
		t.Fatal(err)
	}
	c.Abandon(0)
	if c.PendingCount() != 0 {
		t.Fatalf("expected empty table after abandon, got %d", c.PendingCount())
	}
	// Late data for the abandoned id is the tolerated race.
	err := c.OnData(0, 4, 10, make([]string, 6))
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Errorf("expected ErrUnknownRequestID for late data, got %v", err)
	}
}

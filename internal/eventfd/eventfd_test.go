package eventfd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSemaphoreSemantics(t *testing.T) {
	e, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	for i := 0; i < 3; i++ {
		if err := e.Signal(); err != nil {
			t.Fatalf("Signal: %v", err)
		}
	}

	// Semaphore mode hands out one unit per read, not the whole
	// counter.
	for i := 0; i < 3; i++ {
		count, err := e.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if count != 1 {
			t.Errorf("Read %d = %d, want 1", i, count)
		}
	}
}

func TestNonblockReadOnEmptyCounter(t *testing.T) {
	e, err := CreateNonblock()
	if err != nil {
		t.Fatalf("CreateNonblock: %v", err)
	}
	defer e.Close()

	if _, err := e.Read(); err != unix.EAGAIN {
		t.Errorf("Read = %v, want EAGAIN", err)
	}

	if err := e.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	count, err := e.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 1 {
		t.Errorf("Read = %d, want 1", count)
	}
}

func TestSignalFromOtherGoroutine(t *testing.T) {
	e, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	go func() {
		_ = e.Signal()
	}()

	count, err := e.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 1 {
		t.Errorf("Read = %d, want 1", count)
	}
}

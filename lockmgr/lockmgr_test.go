package lockmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/lowkeydb/lowkeydb/errs"
)

func TestManager_SharedLocksAreCompatible(t *testing.T) {
	m := New(50 * time.Millisecond)
	key := []byte("a")

	if err := m.AcquireShared(1, key); err != nil {
		t.Fatalf("AcquireShared(1) error = %v", err)
	}
	if err := m.AcquireShared(2, key); err != nil {
		t.Fatalf("AcquireShared(2) error = %v", err)
	}
}

func TestManager_ExclusiveIsUniquelyHeld(t *testing.T) {
	m := New(50 * time.Millisecond)
	key := []byte("a")

	if err := m.AcquireExclusive(1, key); err != nil {
		t.Fatalf("AcquireExclusive(1) error = %v", err)
	}
	// A younger transaction requesting a lock held by an older one fails
	// at once with TransactionConflict (wait-die: the younger one dies
	// rather than wait on the older one).
	if err := m.AcquireExclusive(2, key); !errors.Is(err, errs.ErrTransactionConflict) {
		t.Errorf("AcquireExclusive(2) error = %v, want ErrTransactionConflict", err)
	}
}

func TestManager_OlderRequesterWaitsAndIsGrantedAfterRelease(t *testing.T) {
	m := New(2 * time.Second)
	key := []byte("a")

	// txn 2 (younger) holds the lock; txn 1 (older) must wait for it
	// rather than dying, per wait-die.
	if err := m.AcquireExclusive(2, key); err != nil {
		t.Fatalf("AcquireExclusive(2) error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.AcquireExclusive(1, key) }()

	time.Sleep(20 * time.Millisecond)
	m.ReleaseAll(2)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AcquireExclusive(1) error = %v, want nil after release", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireExclusive(1) never returned after release")
	}
}

func TestManager_UpgradeFromSoleSharedHolderSucceeds(t *testing.T) {
	m := New(50 * time.Millisecond)
	key := []byte("a")

	if err := m.AcquireShared(1, key); err != nil {
		t.Fatalf("AcquireShared(1) error = %v", err)
	}
	if err := m.AcquireExclusive(1, key); err != nil {
		t.Errorf("AcquireExclusive(1) error = %v, want nil (upgrade)", err)
	}
}

func TestManager_ReleaseKeyOnlyDropsOneKey(t *testing.T) {
	m := New(50 * time.Millisecond)

	if err := m.AcquireExclusive(1, []byte("a")); err != nil {
		t.Fatalf("AcquireExclusive(1,a) error = %v", err)
	}
	if err := m.AcquireExclusive(1, []byte("b")); err != nil {
		t.Fatalf("AcquireExclusive(1,b) error = %v", err)
	}
	m.ReleaseKey(1, []byte("a"))

	if err := m.AcquireExclusive(2, []byte("a")); err != nil {
		t.Errorf("AcquireExclusive(2,a) error = %v, want nil after release", err)
	}
	if err := m.AcquireExclusive(2, []byte("b")); !errors.Is(err, errs.ErrTransactionConflict) {
		t.Errorf("AcquireExclusive(2,b) error = %v, want ErrTransactionConflict (still held)", err)
	}
}

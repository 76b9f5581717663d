package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/pager"
)

func newTestTree(t *testing.T) *BTree {
	t.Helper()
	p, err := pager.Create(pager.OpenMemFile())
	if err != nil {
		t.Fatalf("pager.Create() error = %v", err)
	}
	pool := buffer.NewPool(p, 64, func(uint64) {})
	return New(p, pool)
}

func TestBTree_GetMissingKeyReturnsNotFound(t *testing.T) {
	tree := newTestTree(t)
	_, found, err := tree.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Errorf("Get() found = true, want false on empty tree")
	}
}

func TestBTree_InsertThenGetRoundTrips(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "short key/value", key: "a", value: "1"},
		{name: "empty value", key: "b", value: ""},
		{name: "long value", key: "c", value: string(make([]byte, 2000))},
	}
	tree := newTestTree(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tree.Insert([]byte(tt.key), []byte(tt.value), 1); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
			got, found, err := tree.Get([]byte(tt.key))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !found {
				t.Fatalf("Get() found = false, want true")
			}
			if !bytes.Equal(got, []byte(tt.value)) {
				t.Errorf("Get() = %q, want %q", got, tt.value)
			}
		})
	}
}

func TestBTree_InsertOverwritesExistingKey(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert([]byte("a"), []byte("1"), 1); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := tree.Insert([]byte("a"), []byte("2"), 2); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, found, err := tree.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("Get() = %q, %v, %v", got, found, err)
	}
	if string(got) != "2" {
		t.Errorf("Get() = %q, want %q", got, "2")
	}
	if n := tree.pager.KeyCount(); n != 1 {
		t.Errorf("KeyCount() = %v, want 1 (overwrite must not double-count)", n)
	}
}

func TestBTree_ManyInsertsForceSplitsAndStayValid(t *testing.T) {
	tree := newTestTree(t)
	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%05d", i))
		if err := tree.Insert(key, value, uint64(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	if err := tree.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for i := 0; i < n; i += 97 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("value-%05d", i))
		got, found, err := tree.Get(key)
		if err != nil || !found {
			t.Fatalf("Get(%q) = %v, %v, %v", key, got, found, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}
	if got := tree.pager.KeyCount(); got != n {
		t.Errorf("KeyCount() = %v, want %v", got, n)
	}
}

func TestBTree_DeleteRemovesKeyAndReportsFound(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert([]byte("a"), []byte("1"), 1); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	found, err := tree.Delete([]byte("a"), 2)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !found {
		t.Errorf("Delete() found = false, want true")
	}

	_, found, err = tree.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Errorf("Get() found = true after delete, want false")
	}

	found, err = tree.Delete([]byte("a"), 3)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if found {
		t.Errorf("Delete() on already-deleted key found = true, want false")
	}
}

func TestBTree_DeleteManyKeysCollapsesCleanly(t *testing.T) {
	tree := newTestTree(t)
	const n = 1000
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%05d", i))
		if err := tree.Insert(keys[i], []byte("v"), uint64(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	for i, key := range keys {
		found, err := tree.Delete(key, uint64(n+i))
		if err != nil {
			t.Fatalf("Delete(%q) error = %v", key, err)
		}
		if !found {
			t.Fatalf("Delete(%q) found = false, want true", key)
		}
	}

	if err := tree.Validate(); err != nil {
		t.Fatalf("Validate() error = %v after deleting every key", err)
	}
	if got := tree.pager.KeyCount(); got != 0 {
		t.Errorf("KeyCount() = %v, want 0", got)
	}
	if root := tree.pager.RootPage(); root != 0 {
		t.Errorf("RootPage() = %v, want 0 (empty tree)", root)
	}
}

func TestBTree_SeekIteratesInOrder(t *testing.T) {
	tree := newTestTree(t)
	want := []string{"a", "b", "c", "d", "e"}
	for i, k := range want {
		if err := tree.Insert([]byte(k), []byte(fmt.Sprint(i)), uint64(i)); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}

	it, err := tree.Seek(nil)
	if err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	if len(got) != len(want) {
		t.Fatalf("Seek() produced %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Seek()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBTree_SeekFromMidpointSkipsEarlierKeys(t *testing.T) {
	tree := newTestTree(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := tree.Insert([]byte(k), []byte("v"), 1); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}

	it, err := tree.Seek([]byte("c"))
	if err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	k, _, ok := it.Next()
	if !ok || string(k) != "c" {
		t.Fatalf("Next() = %q, %v, want %q, true", k, ok, "c")
	}
}

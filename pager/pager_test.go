package pager

import "testing"

func newMemPager(t *testing.T) *Pager {
	t.Helper()
	p, err := Create(OpenMemFile())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return p
}

func TestPager_CreateThenOpenRoundTrips(t *testing.T) {
	f := OpenMemFile()
	p, err := Create(f)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	p.SetRootPage(7)
	p.AddKeyCount(3)
	if err := p.FlushMeta(); err != nil {
		t.Fatalf("FlushMeta() error = %v", err)
	}

	reopened, err := Open(f)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := reopened.RootPage(); got != 7 {
		t.Errorf("RootPage() = %v, want 7", got)
	}
	if got := reopened.KeyCount(); got != 3 {
		t.Errorf("KeyCount() = %v, want 3", got)
	}
}

func TestPager_OpenRejectsBadMagic(t *testing.T) {
	f := OpenMemFile()
	var junk [PageSize]byte
	if _, err := f.WriteAt(junk[:], 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if _, err := Open(f); err == nil {
		t.Errorf("Open() error = nil, want invalid magic error")
	}
}

func TestPager_AllocateReusesFreedPages(t *testing.T) {
	p := newMemPager(t)

	a, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if err := p.FreePage(a); err != nil {
		t.Fatalf("FreePage() error = %v", err)
	}

	b, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if b != a {
		t.Errorf("AllocatePage() = %v, want reused id %v", b, a)
	}
}

func TestPager_WriteReadPageChecksums(t *testing.T) {
	p := newMemPager(t)
	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}

	page := NewPage(PageTypeBTreeLeaf)
	copy(page.Payload(), []byte("hello"))
	if err := p.WritePage(id, page); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}

	got, err := p.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	if string(got.Payload()[:5]) != "hello" {
		t.Errorf("Payload() = %q, want %q", got.Payload()[:5], "hello")
	}
}

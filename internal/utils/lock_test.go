package utils

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSiteLockExcludesSameSite(t *testing.T) {
	dir := t.TempDir()

	first, err := NewSiteLock(dir, "shop-a")
	if err != nil {
		t.Fatalf("NewSiteLock: %v", err)
	}
	if err := first.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	defer first.Unlock()

	second, err := NewSiteLock(dir, "shop-a")
	if err != nil {
		t.Fatalf("NewSiteLock: %v", err)
	}
	if err := second.TryLock(); !errors.Is(err, ErrSiteBusy) {
		t.Fatalf("expected ErrSiteBusy, got %v", err)
	}

	other, err := NewSiteLock(dir, "shop-b")
	if err != nil {
		t.Fatalf("NewSiteLock: %v", err)
	}
	if err := other.TryLock(); err != nil {
		t.Fatalf("different site should not contend: %v", err)
	}
	other.Unlock()

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.TryLock(); err != nil {
		t.Fatalf("lock should be free after unlock: %v", err)
	}
	second.Unlock()
}

func TestSiteLockSanitizesPath(t *testing.T) {
	dir := t.TempDir()
	l, err := NewSiteLock(dir, "https://shop.example.com/a b")
	if err != nil {
		t.Fatalf("NewSiteLock: %v", err)
	}
	want := filepath.Join(dir, "shelfsync-https_shop.example.com_a_b.lock")
	if got := l.Path(); got != want {
		t.Fatalf("lock path = %q, want %q", got, want)
	}
}

func TestFormatMinor(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 1320: "13.20", -250: "-2.50"}
	for in, want := range cases {
		if got := FormatMinor(in); got != want {
			t.Fatalf("FormatMinor(%d) = %q, want %q", in, got, want)
		}
	}
}

package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestComputeHash(t *testing.T) {
	got := ComputeHash("ocsp:ABCDEF")
	if len(got) != HashLength*2 {
		t.Fatalf("len = %d, want %d", len(got), HashLength*2)
	}
	if got != ComputeHash("ocsp:ABCDEF") {
		t.Error("hash is not deterministic")
	}
	if got == ComputeHash("ocsp:ABCDEG") {
		t.Error("different keys produced the same hash")
	}
}

func TestDiskCache_SetGet(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}

	expiry := time.Now().Add(time.Hour).Truncate(time.Nanosecond)
	if err := dc.Set("key", []byte("response"), expiry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	data, gotExpiry, ok, err := dc.Get("key")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if string(data) != "response" {
		t.Errorf("data = %q", data)
	}
	if !gotExpiry.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", gotExpiry, expiry)
	}
}

func TestDiskCache_ExpiredEntryRemoved(t *testing.T) {
	root := t.TempDir()
	dc, err := NewDiskCache(root)
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	now := time.Now()
	dc.now = func() time.Time { return now }

	if err := dc.Set("key", []byte("x"), now.Add(time.Second)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(2 * time.Second)

	if _, _, ok, _ := dc.Get("key"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if _, err := os.Stat(dc.path("key")); !os.IsNotExist(err) {
		t.Errorf("expected expired file to be removed, stat err = %v", err)
	}
}

func TestDiskCache_Overwrite(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	expiry := time.Now().Add(time.Hour)
	_ = dc.Set("key", []byte("one"), expiry)
	if err := dc.Set("key", []byte("two"), expiry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	data, _, _, _ := dc.Get("key")
	if string(data) != "two" {
		t.Errorf("data = %q, want two", data)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(dc.path("key")), "*-new.*"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestDiskCache_DeleteMissing(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache() error = %v", err)
	}
	if err := dc.Delete("missing"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}

package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

func TestValidateRequestRejectsUnaligned(t *testing.T) {
	if err := ValidateRequest(100, 0, 511); err == nil {
		t.Fatalf("expected error for unaligned buffer")
	}
}

func TestValidateRequestRejectsOutOfRange(t *testing.T) {
	if err := ValidateRequest(10, 9, 2*sectorio.SectorSize); err == nil {
		t.Fatalf("expected error for out-of-range request")
	}
}

func TestRealDeviceReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.img")

	const sizeSectors = 64

	if err := os.WriteFile(path, make([]byte, sizeSectors*sectorio.SectorSize), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	dev, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.Size() != sizeSectors {
		t.Fatalf("Size() = %d, want %d", dev.Size(), sizeSectors)
	}

	ctx := context.Background()

	want := make([]byte, sectorio.SectorSize)
	copy(want, []byte("HELLO"))

	if err := dev.WriteAt(ctx, 10, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := dev.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, sectorio.SectorSize)
	if err := dev.ReadAt(ctx, 10, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if string(got[:5]) != "HELLO" {
		t.Fatalf("ReadAt() = %q, want prefix HELLO", got[:5])
	}
}

func TestRealDeviceOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.img")

	if err := os.WriteFile(path, make([]byte, 4*sectorio.SectorSize), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	dev, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	buf := make([]byte, sectorio.SectorSize)
	if err := dev.ReadAt(context.Background(), 100, buf); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

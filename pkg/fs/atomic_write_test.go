package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amigatomte/dm-remap/pkg/fs"
)

const testContentHello = "hello"

func TestAtomicWriteFile_DurableAfterWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	target := filepath.Join(dir, "final.txt")

	err := writer.WriteWithDefaults(target, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

func TestAtomicWriteFile_OverwritesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	target := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(target, []byte("stale"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := writer.WriteWithDefaults(target, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

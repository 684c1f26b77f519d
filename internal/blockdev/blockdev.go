// Package blockdev defines the sector-addressed block device contract
// the rest of dm-remap is written against, plus the real implementation
// backing onto a regular file or block special file.
//
// The host block-I/O framework that would, in a real kernel target
// driver, deliver requests and demand completion callbacks is out of
// scope (spec.md §1): Device is the narrow contract the core consumes
// from it, kept deliberately small so it can be satisfied by a real
// device, by a plain file (for development and CI), or by
// internal/devsim's fault-injecting implementation.
package blockdev

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// Device is a sector-addressed block device.
//
// Implementations must be safe for concurrent ReadAt/WriteAt calls from
// multiple goroutines; Flush and Close are not required to be
// concurrency-safe with respect to each other.
type Device interface {
	// ReadAt reads len(p)/SectorSize sectors starting at sector into p.
	// len(p) must be a multiple of sectorio.SectorSize.
	ReadAt(ctx context.Context, sector sectorio.Sector, p []byte) error

	// WriteAt writes len(p)/SectorSize sectors starting at sector from p.
	// len(p) must be a multiple of sectorio.SectorSize.
	WriteAt(ctx context.Context, sector sectorio.Sector, p []byte) error

	// Flush issues a durability barrier: all writes acknowledged before
	// Flush is called are guaranteed durable once Flush returns nil.
	Flush(ctx context.Context) error

	// Size returns the device capacity in sectors.
	Size() sectorio.Sector

	// Identifier returns a stable string identifying the underlying
	// device (used for the fingerprint recorded in metadata).
	Identifier() string

	// Close releases any resources held by the device.
	Close() error
}

// ErrShortIO indicates a ReadAt/WriteAt request was not sector-aligned
// or extended past the end of the device.
var ErrShortIO = errors.New("blockdev: request not sector-aligned or out of range")

// ValidateRequest checks that a request of the given buffer length at
// the given sector fits within a device of size sectors.
func ValidateRequest(deviceSize sectorio.Sector, at sectorio.Sector, bufLen int) error {
	if bufLen%sectorio.SectorSize != 0 {
		return errors.Wrapf(ErrShortIO, "buffer length %d is not a multiple of sector size %d", bufLen, sectorio.SectorSize)
	}

	count := sectorio.Sector(bufLen / sectorio.SectorSize)
	if at+count > deviceSize || at+count < at {
		return errors.Wrapf(ErrShortIO, "request [%d,%d) out of range for device of size %d", at, at+count, deviceSize)
	}

	return nil
}

// sectorRange formats the [start,end) sector range a buffer of bufLen
// bytes covers at sector at, for error messages.
func sectorRange(at sectorio.Sector, bufLen int) string {
	count := sectorio.Sector(bufLen / sectorio.SectorSize)
	return fmt.Sprintf("[%d,%d)", at, at+count)
}

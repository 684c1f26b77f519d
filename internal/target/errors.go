// Package target ties sectorio, blockdev, health, alloc, remaptable,
// metadata, hotpath and remapworker into one attached device (spec.md
// §3's device descriptor): construction-string parsing, configuration,
// attach/detach lifecycle, message commands, and statistics export
// (spec.md §4.8, §6, §7).
package target

import "github.com/pkg/errors"

// The error taxonomy of spec.md §7, implemented as sentinels classified
// with errors.Is, following the teacher's slotcache error-sentinel
// style (ErrCorrupt, ErrBusy, ...).
var (
	// ErrConstruction covers invalid construction-string arguments,
	// incompatible device sizes, or duplicate device identifiers.
	ErrConstruction = errors.New("target: construction error")

	// ErrDeviceMismatch indicates valid metadata exists but its
	// fingerprint does not match the devices being attached.
	ErrDeviceMismatch = errors.New("target: device fingerprint mismatch")

	// ErrMetadataCorrupt indicates zero valid superblock copies were
	// found and FormatNew was not requested.
	ErrMetadataCorrupt = errors.New("target: no valid metadata found")

	// ErrMetadataInconsistent indicates two or more superblock copies
	// tied at the highest version counter but disagree on content — a
	// condition highest-version selection alone cannot resolve safely.
	ErrMetadataInconsistent = errors.New("target: superblock copies tied at the same version but differ")

	// ErrShuttingDown is returned for new submissions or commands once
	// a target has entered QUIESCING.
	ErrShuttingDown = errors.New("target: shutting down")

	// ErrUnknownCommand is returned by HandleCommand for an
	// unrecognized message command (spec.md §6).
	ErrUnknownCommand = errors.New("target: unknown command")

	// ErrAlreadyAttached is not returned by this package: Attach builds
	// a new *Target on every call.
	ErrAlreadyAttached = errors.New("target: already attached")
)

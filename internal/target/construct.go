package target

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// ConstructArgs is the parsed form of spec.md §6's target construction
// string: "<main_dev> <spare_dev> [spare_meta_sectors]".
type ConstructArgs struct {
	MainPath         string
	SparePath        string
	SpareMetaSectors sectorio.Sector // parsed only; Attach does not read it and always uses the default layout
}

// minSpareFraction is spec.md §6's rule: the spare must be at least
// main_size * 0.05, plus metadata overhead, or construction is
// rejected.
const minSpareFraction = 0.05

// ParseConstructionString tokenizes s and validates its shape. It does
// not open any device or check sizes; call ValidateSizes once the
// candidate devices are open.
func ParseConstructionString(s string) (ConstructArgs, error) {
	fields := strings.Fields(s)

	if len(fields) < 2 || len(fields) > 3 {
		return ConstructArgs{}, errors.Wrapf(ErrConstruction,
			"expected \"<main_dev> <spare_dev> [spare_meta_sectors]\", got %q", s)
	}

	args := ConstructArgs{MainPath: fields[0], SparePath: fields[1]}

	if args.MainPath == args.SparePath {
		return ConstructArgs{}, errors.Wrapf(ErrConstruction,
			"main and spare device identifiers must differ, both are %q", args.MainPath)
	}

	if len(fields) == 3 {
		n, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return ConstructArgs{}, errors.Wrapf(ErrConstruction,
				"spare_meta_sectors %q is not a base-10 sector count", fields[2])
		}

		args.SpareMetaSectors = sectorio.Sector(n)
	}

	return args, nil
}

// ValidateBlockDevices checks spec.md §6's "Parser rejects non-block
// devices" rule. It is a separate step from ParseConstructionString,
// not folded into it, because internal/target.Attach itself accepts
// already-opened blockdev.Device values (satisfied in tests by
// internal/devsim or plain files) — only the real CLI entrypoint that
// resolves paths from a construction string needs this stat-based
// check.
func ValidateBlockDevices(args ConstructArgs) error {
	mainIsBlock, err := blockdev.IsBlockDevice(args.MainPath)
	if err != nil {
		return errors.Wrapf(ErrConstruction, "stat main device %q: %s", args.MainPath, err)
	}

	if !mainIsBlock {
		return errors.Wrapf(ErrConstruction, "%q is not a block device", args.MainPath)
	}

	spareIsBlock, err := blockdev.IsBlockDevice(args.SparePath)
	if err != nil {
		return errors.Wrapf(ErrConstruction, "stat spare device %q: %s", args.SparePath, err)
	}

	if !spareIsBlock {
		return errors.Wrapf(ErrConstruction, "%q is not a block device", args.SparePath)
	}

	return nil
}

// ValidateSizes checks spec.md §6's sizing rule once the candidate
// devices' sizes are known: the spare must be at least 5% of the main
// device's size plus the metadata overhead the configured copy count
// requires.
func ValidateSizes(mainSectors, spareSectors sectorio.Sector, metadataOverhead sectorio.Sector) error {
	minSpare := sectorio.Sector(float64(mainSectors)*minSpareFraction) + metadataOverhead

	if spareSectors < minSpare {
		return errors.Wrapf(ErrConstruction,
			"spare device too small: have %d sectors, need at least %d (main*%.2f + metadata overhead %d)",
			spareSectors, minSpare, minSpareFraction, metadataOverhead)
	}

	return nil
}

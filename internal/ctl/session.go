// Package ctl implements dmremapctl's command session: a small
// line-oriented protocol over attach/detach/status/stats/message
// commands (spec.md §6), run against an in-process
// internal/registry.Registry. There is no persistent daemon process in
// this module (spec.md §1 scopes out the host block-I/O framework a
// real kernel target would run inside of); one dmremapctl invocation
// attaches whatever targets its input script names, serves commands
// against them for the life of the process, and detaches everything
// still open before it exits.
package ctl

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/registry"
	"github.com/amigatomte/dm-remap/internal/target"
)

// Options configures a Session, sourced from dmremapctl's global flags.
type Options struct {
	// SnapshotPath is where the registry mirrors its attached-target
	// list (spec.md §9 DESIGN NOTES); empty disables the snapshot.
	SnapshotPath string

	// ConfigPath is an optional JSONC config file layered under every
	// attach command's construction-string/flag overrides.
	ConfigPath string

	// AllowRegularFiles skips ValidateBlockDevices' block-special-file
	// check, a development/test convenience matching the one
	// blockdev.Open already documents for its own path argument.
	AllowRegularFiles bool

	// Force and FormatNew are passed through to every attach as
	// target.AttachOptions.
	Force     bool
	FormatNew bool

	// LogFile, if non-empty, is passed through to every attach as
	// target.AttachOptions.LogFile.
	LogFile string

	// Overrides are CLI-flag-level configuration overrides (spec.md
	// §4.8), applied above the optional config file for every attach.
	Overrides target.Overrides
}

var errUnknownCommand = errors.New("ctl: unknown command")
var errWrongArgCount = errors.New("ctl: wrong number of arguments")

// Session executes dmremapctl's line commands against one in-process
// registry of attached targets.
type Session struct {
	out, errOut io.Writer
	opts        Options
	reg         *registry.Registry
}

// NewSession creates a Session writing replies to out and errors to
// errOut.
func NewSession(out, errOut io.Writer, opts Options) *Session {
	return &Session{out: out, errOut: errOut, opts: opts, reg: registry.New(opts.SnapshotPath)}
}

// Execute parses and runs one line of input, writing its reply to the
// session's output writer. A malformed or failing command is reported
// on errOut and does not stop the session — matching spec.md §6's
// message commands, which each report their own success/failure rather
// than aborting a batch.
func (s *Session) Execute(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	var err error

	switch fields[0] {
	case "attach":
		err = s.cmdAttach(ctx, fields[1:])
	case "detach":
		err = s.cmdDetach(ctx, fields[1:])
	case "status":
		err = s.cmdStatus(fields[1:])
	case "stats":
		err = s.cmdStats(fields[1:])
	case "ls":
		err = s.cmdLs(fields[1:])
	case "remap", "clear_stats", "metadata_status", "set_auto_remap":
		err = s.cmdMessage(ctx, fields[0], fields[1:])
	default:
		err = errors.Wrapf(errUnknownCommand, "%q", fields[0])
	}

	if err != nil {
		fmt.Fprintln(s.errOut, "error:", err) //nolint:errcheck
	}
}

// DetachAll runs the teardown sequence for every still-attached target,
// used on session shutdown (clean EOF or a terminating signal).
func (s *Session) DetachAll(ctx context.Context) {
	for _, rec := range s.reg.List() {
		if err := s.reg.Detach(ctx, rec.Name); err != nil {
			fmt.Fprintln(s.errOut, "error: detach", rec.Name, "at shutdown:", err) //nolint:errcheck
		}
	}
}

func (s *Session) cmdAttach(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.Wrapf(errWrongArgCount, "attach <name> <main_dev> <spare_dev> [spare_meta_sectors]")
	}

	name := args[0]

	constructArgs, err := target.ParseConstructionString(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	if !s.opts.AllowRegularFiles {
		if err := target.ValidateBlockDevices(constructArgs); err != nil {
			return err
		}
	}

	main, err := blockdev.Open(constructArgs.MainPath, blockdev.OpenOptions{})
	if err != nil {
		return errors.Wrapf(err, "open main device %q", constructArgs.MainPath)
	}

	spare, err := blockdev.Open(constructArgs.SparePath, blockdev.OpenOptions{})
	if err != nil {
		_ = main.Close()
		return errors.Wrapf(err, "open spare device %q", constructArgs.SparePath)
	}

	cfg, err := target.LoadConfig(s.opts.ConfigPath, s.opts.Overrides)
	if err != nil {
		_ = main.Close()
		_ = spare.Close()

		return err
	}

	tgt, err := target.Attach(ctx, main, spare, cfg, constructArgs, target.AttachOptions{
		Force:     s.opts.Force,
		FormatNew: s.opts.FormatNew,
		LogFile:   s.opts.LogFile,
	})
	if err != nil {
		_ = main.Close()
		_ = spare.Close()

		return err
	}

	rec := registry.Record{
		MainPath:  constructArgs.MainPath,
		SparePath: constructArgs.SparePath,
		Config:    cfg,
	}

	if err := s.reg.Attach(name, tgt, rec); err != nil {
		_ = tgt.Detach(ctx)
		return err
	}

	fmt.Fprintln(s.out, "ok") //nolint:errcheck

	return nil
}

func (s *Session) cmdDetach(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.Wrapf(errWrongArgCount, "detach <name>")
	}

	if err := s.reg.Detach(ctx, args[0]); err != nil {
		return err
	}

	fmt.Fprintln(s.out, "ok") //nolint:errcheck

	return nil
}

func (s *Session) cmdStatus(args []string) error {
	if len(args) != 1 {
		return errors.Wrapf(errWrongArgCount, "status <name>")
	}

	tgt, err := s.reg.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, tgt.StatusLine()) //nolint:errcheck

	return nil
}

func (s *Session) cmdStats(args []string) error {
	if len(args) != 1 {
		return errors.Wrapf(errWrongArgCount, "stats <name>")
	}

	tgt, err := s.reg.Get(args[0])
	if err != nil {
		return err
	}

	stats := tgt.Export()

	// Order matches spec.md §6's statistics export exactly.
	fmt.Fprintf(s.out, "total_reads=%d\n", stats.TotalReads)                 //nolint:errcheck
	fmt.Fprintf(s.out, "total_writes=%d\n", stats.TotalWrites)               //nolint:errcheck
	fmt.Fprintf(s.out, "total_remaps=%d\n", stats.TotalRemaps)               //nolint:errcheck
	fmt.Fprintf(s.out, "total_errors=%d\n", stats.TotalErrors)               //nolint:errcheck
	fmt.Fprintf(s.out, "active_mappings=%d\n", stats.ActiveMappings)         //nolint:errcheck
	fmt.Fprintf(s.out, "last_remap_time=%d\n", stats.LastRemapTime)          //nolint:errcheck
	fmt.Fprintf(s.out, "last_error_time=%d\n", stats.LastErrorTime)          //nolint:errcheck
	fmt.Fprintf(s.out, "avg_latency_us=%d\n", stats.AvgLatencyUs)            //nolint:errcheck
	fmt.Fprintf(s.out, "remapped_sectors=%d\n", stats.RemappedSectors)       //nolint:errcheck
	fmt.Fprintf(s.out, "spare_sectors_used=%d\n", stats.SpareSectorsUsed)    //nolint:errcheck
	fmt.Fprintf(s.out, "remap_rate_per_hour=%.4f\n", stats.RemapRatePerHour) //nolint:errcheck
	fmt.Fprintf(s.out, "error_rate_per_hour=%.4f\n", stats.ErrorRatePerHour) //nolint:errcheck
	fmt.Fprintf(s.out, "health_score=%d\n", stats.HealthScore)               //nolint:errcheck

	return nil
}

func (s *Session) cmdLs(args []string) error {
	if len(args) != 0 {
		return errors.Wrapf(errWrongArgCount, "ls takes no arguments")
	}

	for _, rec := range s.reg.List() {
		fmt.Fprintf(s.out, "%s main=%s spare=%s\n", rec.Name, rec.MainPath, rec.SparePath) //nolint:errcheck
	}

	return nil
}

func (s *Session) cmdMessage(ctx context.Context, verb string, args []string) error {
	if len(args) == 0 {
		return errors.Wrapf(errWrongArgCount, "%s <name> [args...]", verb)
	}

	tgt, err := s.reg.Get(args[0])
	if err != nil {
		return err
	}

	reply, err := tgt.HandleCommand(ctx, strings.Join(append([]string{verb}, args[1:]...), " "))
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, reply) //nolint:errcheck

	return nil
}

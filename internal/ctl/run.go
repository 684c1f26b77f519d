package ctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/amigatomte/dm-remap/internal/target"
)

// shutdownTimeout bounds how long a second signal's graceful shutdown
// is given before dmremapctl forces an exit, mirroring the teacher's
// internal/cli.Run double-signal pattern.
const shutdownTimeout = 5 * time.Second

// Run is dmremapctl's entry point: it parses global flags, then reads
// one command per line from in until EOF or a terminating signal,
// executing each against a single Session. Returns the process exit
// code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	fs := flag.NewFlagSet("dmremapctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	flagState := fs.String("state", env["DMREMAP_STATE_FILE"], "path to the registry snapshot file")
	flagConfig := fs.String("config", "", "optional JSONC config file layered under every attach")
	flagForce := fs.Bool("force", false, "attach despite a device-fingerprint mismatch")
	flagFormatNew := fs.Bool("format-new", false, "format the spare fresh when no valid metadata is found")
	flagAllowRegular := fs.Bool("allow-regular-file", false, "allow regular files as main/spare devices (development/test)")
	flagLogFile := fs.String("log-file", "", "append target diagnostics to this file in addition to the usual sink")
	flagErrorThreshold := fs.Uint8("error-threshold", 0, "override error_threshold")
	flagAutoRemap := fs.Bool("auto-remap", false, "override auto_remap")
	flagFastPathThreshold := fs.Int("fast-path-threshold", 0, "override fast_path_threshold")
	flagDebugLevel := fs.Uint8("debug-level", 0, "override debug_level")
	flagMetadataCopies := fs.Int("metadata-copies", 0, "override metadata_copies")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err) //nolint:errcheck
		return 1
	}

	opts := Options{
		SnapshotPath:      *flagState,
		ConfigPath:        *flagConfig,
		AllowRegularFiles: *flagAllowRegular,
		Force:             *flagForce,
		FormatNew:         *flagFormatNew,
		LogFile:           *flagLogFile,
		Overrides:         overridesFromFlags(fs, flagErrorThreshold, flagAutoRemap, flagFastPathThreshold, flagDebugLevel, flagMetadataCopies),
	}

	session := NewSession(out, errOut, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		runScript(ctx, session, in)
	}()

	select {
	case <-done:
		session.DetachAll(context.Background())
		return 0
	case <-sigCh:
		fmt.Fprintln(errOut, "shutting down...") //nolint:errcheck
		cancel()
	}

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		fmt.Fprintln(errOut, "graceful shutdown timed out, forcing exit") //nolint:errcheck
	case <-sigCh:
		fmt.Fprintln(errOut, "graceful shutdown interrupted, forcing exit") //nolint:errcheck
	}

	detachCtx, detachCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer detachCancel()

	session.DetachAll(detachCtx)

	return 130
}

func runScript(ctx context.Context, session *Session, in io.Reader) {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		session.Execute(ctx, line)
	}
}

func overridesFromFlags(fs *flag.FlagSet, errorThreshold *uint8, autoRemap *bool, fastPathThreshold *int, debugLevel *uint8, metadataCopies *int) target.Overrides {
	var overrides target.Overrides

	if fs.Changed("error-threshold") {
		overrides.ErrorThreshold = errorThreshold
	}

	if fs.Changed("auto-remap") {
		overrides.AutoRemap = autoRemap
	}

	if fs.Changed("fast-path-threshold") {
		overrides.FastPathThreshold = fastPathThreshold
	}

	if fs.Changed("debug-level") {
		overrides.DebugLevel = debugLevel
	}

	if fs.Changed("metadata-copies") {
		overrides.MetadataCopies = metadataCopies
	}

	return overrides
}

// Package main provides dmremapctl, the host-side management tool for
// attached dm-remap targets (spec.md §6).
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/amigatomte/dm-remap/internal/ctl"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := ctl.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	os.Exit(exitCode)
}

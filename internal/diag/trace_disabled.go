//go:build !diag_trace

package diag

// traceEnabled is false by default; Tracef calls compile down to a
// single always-false branch with no formatting or allocation.
const traceEnabled = false

//go:build diag_trace

package diag

// traceEnabled is compiled to true only when the diag_trace build tag
// is passed, matching spec.md §9's requirement that production builds
// carry zero overhead for hot-path trace calls.
const traceEnabled = true

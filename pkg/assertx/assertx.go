// Package assertx provides debug-only invariant assertions for the
// persistence core. Checks compiled by this package are stripped from
// release builds; build with -tags xtree_debug to enable them.
//
// This mirrors the original C++ implementation's #ifndef NDEBUG blocks
// (object_table.hpp's assert_kind, ot_entry.h's DbgState) without
// resorting to panics in production: a failed assertion here means a
// bug in this module, not a condition callers should handle.
package assertx

// Check reports whether an invariant holds. In non-debug builds it is a
// no-op that always returns true; the debug build (assertx_debug.go)
// panics with msg when cond is false.
func Check(cond bool, msg string) bool {
	return check(cond, msg)
}

// Enabled reports whether debug assertions are compiled into this binary.
func Enabled() bool {
	return enabled
}

// Package ir provides the canonical value representation shared by the
// saga persistence layer.
//
// ir imports nothing internal. Every other package may import it.
//
// Key design constraints:
//   - NO float types anywhere - unique correlation values must hash identically
//     on every platform, so numbers are int64 only
//   - Canonical JSON (RFC 8785) is the only encoding used for derived ids
//   - All JSON tags use snake_case
package ir

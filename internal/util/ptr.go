// Package util holds tiny generic helpers shared across packages.
package util

// Ptr returns a pointer to a copy of v, for optional fields such as
// nullable timestamps and xrpc string options.
func Ptr[T any](v T) *T {
	return &v
}

// Package manifest models the build-time resource table that drives the cache
// reconciler: a flat key → checksum map, the ordered list of shell files that
// must be present before the client can start, and the release version used to
// tell one deployment from the next. Keys are origin-relative paths without a
// leading slash, except the root document which is always "/".
package manifest

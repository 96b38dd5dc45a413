// Package worker implements the cache reconciler that stands in for a client
// shell's service worker. A Worker is bound to one Release and owns three
// partitions of a cache.Storage:
//
//   - temp:     shell files fetched during install, removed after activate;
//   - content:  the durable cache served to clients;
//   - manifest: a single "manifest" entry holding the previous release's table.
//
// The four lifecycle events (install, activate, fetch, message) are exposed as
// methods and through Dispatch, a single entry point taking a tagged Event.
// Lifecycle sits on top and keeps track of the active and waiting workers as
// new releases are deployed.
//
// Every operation is attempted exactly once. Activate never returns an error:
// a failure mid-way wipes all three partitions so the next activation (or
// lazy fetches) rebuild from scratch.
package worker

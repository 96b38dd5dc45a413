// Package cache defines the partitioned response store that backs the shell
// cache reconciler. A Storage owns named partitions (temp, content, manifest);
// each Partition maps a full request URL to a stored response (status, headers,
// body). Two backends are provided: a disk layout under
// StoragePath/<partition>/<sha1(url)>.entry written with temp file + rename,
// and a single SQLite database for deployments that prefer one file. Both make
// every partition operation atomic with respect to concurrent callers, so the
// reconciler and fetch handlers can share partitions without extra locking.
package cache

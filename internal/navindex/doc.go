// Package navindex maintains the Redis-backed navigation index: ranked
// sets of collection ids per sort field and scope, summary hashes for
// page rendering, and a TTL cache of encoded thumbnails.
//
// The index is a derived cache over the catalog. It can be dropped and
// rebuilt at any time, and browse reads fall back to the catalog with
// identical ordering whenever the version marker is missing.
package navindex

// Package cache defines the durable store of named cache generations. A
// generation maps a GET request URL to a stored response snapshot (status,
// headers, body bytes). Two backends share the same generation semantics:
// the filesystem backend keeps StoragePath/<generation>/<sha1>.{body,meta}
// files written via temp file + rename, the LevelDB backend keeps everything
// in one database with batch writes. Entries never expire; they are replaced
// by a Put on the same key or dropped together with their generation.
package cache

// Package groupstore implements a content-addressed, delta-compressed
// versioned-file store: many related texts (source-file revisions,
// directory manifests, tree nodes) are packed as fulltexts or copy/insert
// deltas inside compressed groups, and served back out by key.
//
// A VersionedFiles is the entry point. It accepts insertion via AddLines or
// AddContent, serves reads through GetRecordStream, and can replicate
// another store's records verbatim with InsertRecordStream.
package groupstore

// Package bcs is a binary content store.
//
// A blob store stores arbitrarily sized sequences of bytes,
// or _blobs_,
// and indexes them by their hash,
// which is used as a unique key.
// Two blobs with the same bytes have the same key,
// so storing the same content twice stores it once.
//
// The Store interface is deliberately narrow:
// Read, Write, Exists, Delete.
// Stores stream content in both directions,
// computing a blob's key in the same pass that persists it,
// so blobs may be much larger than memory.
// A caller that knows what key to expect can say so,
// and the store will refuse
// (and leave no trace of)
// content that does not match.
//
// The store subpackages provide interchangeable backends:
// a local directory,
// Google Cloud Storage,
// S3-compatible object storage,
// SQL databases,
// a remote store reached over gRPC.
// The cache subpackage wraps any of them in a bounded local cache.
//
// A Blob is a handle to content plus metadata
// (MIME type, filename, encoding, length, digest),
// backed either by a store and key or by a URL.
// Its length is computed lazily, at most once.
//
// Copy moves a blob from one store to another.
// When the destination knows how to copy from the source directly
// (two buckets in the same cloud provider, say),
// the bytes never pass through the calling process.
// Otherwise they are streamed,
// and the destination verifies them against the key.
package bcs

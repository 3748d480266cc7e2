// Package fetch downloads manifest artifacts and verifies every declared digest
// before handing them to the rest of the pipeline.
//
// Bytes are streamed into "<path>.part" while all digests accumulate in the
// same pass; only a fully verified file is renamed into place. Transient
// failures retry with exponential backoff, a first digest mismatch earns one
// fresh download, and independent artifacts download concurrently up to a
// configured bound. Cancelling a batch removes every partial file.
package fetch

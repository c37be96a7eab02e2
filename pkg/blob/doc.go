// Package blob is the gateway to the object store holding audio files
// and subtitle artifacts. References handed between pipeline stages may
// be blob keys or legacy local paths; Resolve handles both.
package blob

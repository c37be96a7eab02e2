// Package cache keys expensive pipeline step results by content
// digest, so re-submitting the same media skips transcription and
// enrichment work that has already been paid for.
package cache

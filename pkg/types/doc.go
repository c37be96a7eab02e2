// Package types defines the shared data model for the subtitle
// pipeline: tasks and their typed relation edges, queue work units,
// and the segment/word/token structures that flow between stages.
//
// The JSON field names on Segment, Word and Token are the stable wire
// format of the final artifact and must not change.
package types

// Package log provides structured logging for lexisub using zerolog.
//
// The package maintains a global logger initialized via Init, with
// helpers that derive child loggers carrying standard fields
// (component, task_id, queue).
package log

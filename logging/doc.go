// Package logging builds the slog loggers used across captrain.
//
// Two formats are supported: a colourised single-line console format for
// interactive runs and a JSON format for log files and pipelines. The "auto"
// format picks console when stderr is a terminal. Components derive child
// loggers with NewComponentLogger so every record carries its origin.
package logging

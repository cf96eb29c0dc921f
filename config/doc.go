// Package config loads, normalizes, and validates captrain configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and derives dependent paths such as the
// history file that sits next to the model checkpoint. The Config type
// centralizes every knob the training controller, validation runner and CLI
// need, and is treated as immutable once Load returns: values that change
// from iteration to iteration are computed by the training package instead
// of being written back here.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical metric names, and clear validation errors.
package config

// Package config provides centralized configuration management for the
// Nebula host daemon. Configuration is read once from a JSON file at startup
// and treated as immutable process-wide state; every subsystem receives the
// parsed sections it needs instead of re-reading the file.
package config

// Package config loads process configuration from a YAML file with
// environment variable overrides, mirroring the deployment knobs of
// the HTTP server and the queue workers.
package config

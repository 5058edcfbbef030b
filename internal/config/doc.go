// Package config loads, defaults and validates the engine's YAML
// configuration. Environment variables in ${VAR} form are expanded before
// parsing so secrets stay out of config files.
package config

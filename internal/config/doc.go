// Package config provides configuration loading and validation for the Dewey
// voice relay service. It handles YAML-based configuration with struct
// validation and environment overlays for secrets.
package config

// Package config loads the grantd process configuration from a JSON file
// and applies defaults. Chain definitions live in a separate YAML file
// referenced from here, so one daemon build can target different networks.
package config

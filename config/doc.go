// Package config provides configuration management for valueflow.
//
// Configuration is loaded in three layers with increasing precedence:
// built-in defaults, a YAML file, and environment variables prefixed with
// VALUEFLOW. The loader uses a builder so callers can attach validators
// before loading.
package config

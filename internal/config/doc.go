// Package config provides configuration loading and validation for the listener.
// It reads a YAML file, fills secrets from the environment, validates every
// section and derives the frame counts that size the ring and the segmenter.
package config

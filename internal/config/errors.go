package config

import "errors"

var (
	// ErrConfigNotFound indicates no config file exists at any searched location.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigVersionTooNew indicates the config schema version is newer
	// than this build supports.
	ErrConfigVersionTooNew = errors.New("config version too new")
)

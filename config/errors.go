package config

import (
	"fmt"
	"strings"
)

// MissingError lists every required environment variable left unset.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "config: missing required environment variables: " + strings.Join(e.Keys, ", ")
}

// InvalidError reports a setting that is present but unusable.
type InvalidError struct {
	Key    string
	Value  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config: invalid %s=%q: %s", e.Key, e.Value, e.Reason)
}

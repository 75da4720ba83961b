// Package environment reads typed configuration values from environment
// variables that share a common prefix (for example DRYDOCK_DOCKER_TIMEOUT).
//
// Every getter takes the current value as its fallback, so a Source can be
// applied on top of values that were already loaded from a config file:
// unset, empty or unparsable variables leave the current value untouched.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source resolves variable names under a fixed prefix.
type Source struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(name string) (string, bool)
}

// New returns a Source reading the process environment under prefix.
func New(prefix string) Source {
	return Source{Prefix: prefix}
}

// Name returns the full variable name for key.
func (s Source) Name(key string) string {
	return s.Prefix + key
}

func (s Source) get(key string) string {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(s.Name(key))
	return strings.TrimSpace(v)
}

// String returns the variable's value, or current when unset or empty.
func (s Source) String(key, current string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return current
}

// Required returns the variable's value or an error naming the variable.
func (s Source) Required(key string) (string, error) {
	v := s.get(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", s.Name(key))
	}
	return v, nil
}

// Bool parses the variable with strconv.ParseBool.
func (s Source) Bool(key string, current bool) bool {
	v := s.get(key)
	if v == "" {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return current
	}
	return b
}

// Int parses the variable as a decimal integer.
func (s Source) Int(key string, current int) int {
	v := s.get(key)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return current
	}
	return n
}

// Int64 parses the variable as a decimal 64-bit integer.
func (s Source) Int64(key string, current int64) int64 {
	v := s.get(key)
	if v == "" {
		return current
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return current
	}
	return n
}

// Duration parses the variable with time.ParseDuration ("30s", "5m").
func (s Source) Duration(key string, current time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return current
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return current
	}
	return d
}

// List parses the variable as a comma-separated list, dropping blank items.
func (s Source) List(key string, current []string) []string {
	v := s.get(key)
	if v == "" {
		return current
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return current
	}
	return out
}

// Map parses "k1=a|b,k2=c" into a map of lists. Used for per-owner overrides
// where each key maps to several values separated by '|'.
func (s Source) Map(key string, current map[string][]string) map[string][]string {
	v := s.get(key)
	if v == "" {
		return current
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(v, ",") {
		k, vals, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		for _, item := range strings.Split(vals, "|") {
			if t := strings.TrimSpace(item); t != "" {
				out[strings.TrimSpace(k)] = append(out[strings.TrimSpace(k)], t)
			}
		}
	}
	if len(out) == 0 {
		return current
	}
	return out
}

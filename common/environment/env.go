// Package environment provides helpers for layering environment variables on
// top of file-based configuration.
//
// Override helpers take a pointer to an already-defaulted field and replace
// it only when the variable is set and parses cleanly, so a typo in the
// environment never silently zeroes a value loaded from the config file.
// Required variables return an error rather than calling os.Exit, keeping
// process control out of library code.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an
// error if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// OverrideString sets *dst to the variable's value when it is non-empty.
func OverrideString(dst *string, name string) bool {
	if v := os.Getenv(name); v != "" {
		*dst = v
		return true
	}
	return false
}

// OverrideInt sets *dst when the variable parses as a decimal integer.
func OverrideInt(dst *int, name string) bool {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return false
	}
	*dst = n
	return true
}

// OverrideFloat sets *dst when the variable parses as a float64.
func OverrideFloat(dst *float64, name string) bool {
	f, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return false
	}
	*dst = f
	return true
}

// OverrideBool sets *dst when the variable parses with strconv.ParseBool.
func OverrideBool(dst *bool, name string) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return false
	}
	*dst = b
	return true
}

// OverrideDuration sets *dst when the variable parses as a time.Duration
// ("30s", "5m", "1h").
func OverrideDuration(dst *time.Duration, name string) bool {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return false
	}
	*dst = d
	return true
}

// OverrideStringSlice sets *dst from a comma-separated list, trimming
// whitespace and skipping empty elements. An all-empty list is ignored.
func OverrideStringSlice(dst *[]string, name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return false
	}
	*dst = out
	return true
}

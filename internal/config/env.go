package config

import (
	"log"
	"os"
	"strconv"
)

// GetString reads an environment variable, falling back when it is
// unset. An empty value counts as set so a deployment can deliberately
// blank a default.
func GetString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return value
}

// GetInt reads an environment variable as a base-10 integer. A value
// that does not parse is logged and replaced by the fallback rather
// than aborting startup, so a typo in one knob cannot keep previews
// from deploying.
func GetInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

// GetBool reads an environment variable in any form strconv.ParseBool
// accepts. Unparsable values fall back like GetInt.
func GetBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("config: %s=%q is not a boolean, using %t", key, value, fallback)
		return fallback
	}
	return parsed
}

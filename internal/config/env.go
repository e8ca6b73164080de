package config

import (
	"fmt"
	"os"
	"regexp"
)

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv substitutes environment references in the raw document so
// secrets (whatsapp.api_key, http.token, pipeline.token) can stay out of the
// file. A reference to an unset variable without a default is an error.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(match []byte) []byte {
		sub := envRef.FindSubmatch(match)
		name := string(sub[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(sub[2]) > 0 {
			return sub[3]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: environment variable %q is not set", ErrInvalid, missing[0])
	}
	return out, nil
}

package envgate

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Validator checks the format of a present, non-empty value.
type Validator func(value string) error

// URL requires an absolute http(s) URL with a host.
func URL() Validator {
	return func(v string) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("scheme must be http or https")
		}
		if u.Host == "" {
			return fmt.Errorf("host is empty")
		}
		return nil
	}
}

// MinLength requires at least n bytes.
func MinLength(n int) Validator {
	return func(v string) error {
		if len(v) < n {
			return fmt.Errorf("must be at least %d characters", n)
		}
		return nil
	}
}

// SchemePrefix requires the value to start with one of the given prefixes.
func SchemePrefix(prefixes ...string) Validator {
	return func(v string) error {
		for _, p := range prefixes {
			if strings.HasPrefix(v, p) {
				return nil
			}
		}
		return fmt.Errorf("must start with one of %s", strings.Join(prefixes, ", "))
	}
}

// Port requires an integer in 1..65535.
func Port() Validator {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("must be a port number between 1 and 65535")
		}
		return nil
	}
}

// OneOf requires the value to be one of the allowed values.
func OneOf(allowed ...string) Validator {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}

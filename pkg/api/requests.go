package api

import (
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
)

// Query parameter helpers shared by the list handlers. Unparseable values
// fall back to the default rather than erroring: list endpoints favor
// returning something over rejecting a hand-typed URL.

func queryInt(c *echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryBool(c *echo.Context, name string, fallback bool) bool {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// querySince reads a time bound either as RFC 3339 or as a Go duration
// ("72h") subtracted from now. Zero time when absent or unparseable.
func querySince(c *echo.Context, name string) time.Time {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return time.Now().UTC().Add(-d)
	}
	return time.Time{}
}

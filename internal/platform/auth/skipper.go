package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication entirely.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

const publicPrefix = "/public/"

// AuthSkipper returns true for requests whose path should skip authentication.
// Patient-facing booking routes under /public/ name their doctor in the URL.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether path is served without credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, publicPrefix)
}

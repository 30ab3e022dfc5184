package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// OpenAPISpec returns the embedded OpenAPI document with {issuer} replaced.
func OpenAPISpec(issuer string) string {
	return strings.ReplaceAll(openAPISpec, "{issuer}", issuer)
}

// SpecHandler serves the OpenAPI YAML spec for the configured issuer.
func SpecHandler(issuer string) echo.HandlerFunc {
	spec := []byte(OpenAPISpec(issuer))
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", spec)
	}
}

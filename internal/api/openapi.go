package api

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec []byte

// HandleSpec serves the OpenAPI document.
func HandleSpec(c echo.Context) error {
	return c.Blob(http.StatusOK, "application/yaml", openAPISpec)
}

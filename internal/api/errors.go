package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"analytics-agent/backend/internal/logging"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ErrorHandler renders errors returned by handlers as Problem Details.
// Details of unexpected errors are hidden in production.
func ErrorHandler(production bool, logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		problem := ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			problem.Status = he.Code
			problem.Detail = fmt.Sprint(he.Message)
		} else {
			logger.Error("unhandled error", "path", c.Request().URL.Path, "error", err)
			problem.Status = http.StatusInternalServerError
			if !production {
				problem.Detail = err.Error()
			}
		}
		problem.Title = http.StatusText(problem.Status)

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if err := c.JSON(problem.Status, problem); err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

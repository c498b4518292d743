package apihandlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// APIError is the body of every failed request:
// { "error": { "code": "not_found", "message": "Job 7 not found" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// JSONError aborts the request with status and an APIError body.
func JSONError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorEnvelope{Error: APIError{Code: code, Message: msg}})
}

func BadRequest(c *gin.Context, msg string) {
	JSONError(c, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(c *gin.Context, msg string) {
	JSONError(c, http.StatusNotFound, "not_found", msg)
}

// Internal logs detail and answers with a generic message; store errors
// stay out of responses.
func Internal(c *gin.Context, detail string) {
	log.Errorf("%s %s: %s", c.Request.Method, c.FullPath(), detail)
	JSONError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
}

// Unavailable reports a dependency the service can't reach, such as the
// database on a health check.
func Unavailable(c *gin.Context, msg string) {
	log.Warnf("%s %s unavailable: %s", c.Request.Method, c.FullPath(), msg)
	JSONError(c, http.StatusServiceUnavailable, "unavailable", msg)
}

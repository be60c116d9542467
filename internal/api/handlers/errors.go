package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/bhandras/dumiverse/internal/session"
	"github.com/bhandras/dumiverse/pkg/types"
	"github.com/gin-gonic/gin"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, types.Response{Success: false, Msg: msg})
}

// writeError maps coordinator errors to HTTP responses. prefix, when set, is
// prepended to the message of server-side failures.
func writeError(c *gin.Context, err error, prefix string) {
	var (
		dispatchErr *session.RenderDispatchError
		renderErr   *session.RenderError
		timeoutErr  *session.RenderTimeoutError
	)

	switch {
	case errors.Is(err, session.ErrNotOpen):
		fail(c, http.StatusForbidden, "No connection open")
	case errors.Is(err, session.ErrAlreadyOpen), errors.Is(err, session.ErrRenderInProgress),
		errors.Is(err, session.ErrInitInProgress):
		fail(c, http.StatusConflict, capitalize(err.Error()))
	case errors.Is(err, session.ErrRenderCanceled):
		fail(c, http.StatusConflict, "Render canceled because the connection was closed")
	case errors.Is(err, session.ErrMissingParameters):
		fail(c, http.StatusBadRequest, capitalize(err.Error()))
	case errors.As(err, &dispatchErr):
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Render failed. Error message: %d", dispatchErr.Code))
	case errors.As(err, &renderErr):
		msg := fmt.Sprintf("Render failed. Error message: %d", renderErr.Code)
		if renderErr.Raw != "" {
			msg = fmt.Sprintf("Render failed. Error message: %s", renderErr.Raw)
		}
		fail(c, http.StatusInternalServerError, msg)
	case errors.As(err, &timeoutErr):
		fail(c, http.StatusGatewayTimeout, fmt.Sprintf("Render timed out after %v", timeoutErr.After))
	default:
		logger.Errorf("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		msg := err.Error()
		if prefix != "" {
			msg = prefix + ": " + msg
		}
		fail(c, http.StatusInternalServerError, msg)
	}
}

// writeUploadError reports a multipart parsing failure.
func writeUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	fail(c, http.StatusBadRequest, "Malformed upload: "+err.Error())
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

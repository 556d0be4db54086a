package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmirror/internal/bulk"
	"github.com/Martian-dev/mailmirror/internal/explorer"
	"github.com/Martian-dev/mailmirror/internal/subscriptions"
	mirrorsync "github.com/Martian-dev/mailmirror/internal/sync"
)

const codeInvalidRequest = "invalid_request"

var statusByCode = map[string]int{
	"already_running":    http.StatusConflict,
	"not_found":          http.StatusNotFound,
	"auth_expired":       http.StatusUnauthorized,
	"rate_limited":       http.StatusTooManyRequests,
	"remote_unavailable": http.StatusServiceUnavailable,
	"invalid_cursor":     http.StatusConflict,
	"cancelled":          http.StatusServiceUnavailable,
	codeInvalidRequest:   http.StatusBadRequest,
	"internal":           http.StatusInternalServerError,
}

func errorBody(message, code string) gin.H {
	return gin.H{"success": false, "message": message, "code": code}
}

// errorCode classifies err into the stable client-facing code
func errorCode(err error) string {
	switch {
	case errors.Is(err, explorer.ErrInvalidFilter),
		errors.Is(err, explorer.ErrTooManyMatches),
		errors.Is(err, bulk.ErrInvalidTarget),
		errors.Is(err, subscriptions.ErrInvalidSender),
		errors.Is(err, subscriptions.ErrInvalidQuery):
		return codeInvalidRequest
	}
	return mirrorsync.Code(err)
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorCode(err)
	status := statusByCode[code]
	message := err.Error()
	if code == "internal" {
		s.Log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		message = "internal error"
	}
	c.JSON(status, errorBody(message, code))
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody(err.Error(), codeInvalidRequest))
}

package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmirror/internal/auth"
)

const userKey = "user"

// requireUser verifies the bearer token, registers the account on first
// use and hands the session token on to provider construction.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || bearer == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("authorization header required", "unauthorized"))
			return
		}

		user, err := s.Verifier.UserFromRequest(c.Request)
		if err != nil {
			s.Log.Debug().Err(err).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid or expired token", "unauthorized"))
			return
		}

		if _, err := s.Accounts.EnsureAccount(c.Request.Context(), user.ID, user.Email, user.Provider.ProviderName()); err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}

		c.Set(userKey, user)
		c.Request = c.Request.WithContext(auth.WithBearer(c.Request.Context(), bearer))
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	return c.MustGet(userKey).(*auth.User).ID
}

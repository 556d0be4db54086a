// Package api exposes the mirror over HTTP with gin.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/bulk"
	"github.com/Martian-dev/mailmirror/internal/explorer"
	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/stats"
	"github.com/Martian-dev/mailmirror/internal/store"
	"github.com/Martian-dev/mailmirror/internal/subscriptions"
	mirrorsync "github.com/Martian-dev/mailmirror/internal/sync"
)

// Verifier authenticates a request
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Accounts registers accounts on first use
type Accounts interface {
	EnsureAccount(ctx context.Context, id, email string, provider providers.ProviderName) (*store.Account, error)
}

// Server holds the components behind the HTTP surface
type Server struct {
	Verifier      Verifier
	Accounts      Accounts
	Sync          *mirrorsync.Manager
	Explorer      *explorer.Engine
	Stats         *stats.Aggregator
	Subscriptions *subscriptions.Extractor
	Bulk          *bulk.Executor
	Log           zerolog.Logger
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "runningSyncs": len(s.Sync.RunningSyncs())})
		})

		authed := api.Group("")
		authed.Use(s.requireUser())

		syncs := authed.Group("/sync")
		{
			syncs.POST("/start", s.startSync)
			syncs.GET("/progress", s.syncProgress)
			syncs.POST("/cancel", s.cancelSync)
			syncs.POST("/resume", s.resumeSync)
			syncs.POST("/delta", s.deltaSync)
			syncs.POST("/reconnected", s.reconnected)
		}

		authed.GET("/explorer", s.explorerEmails)
		authed.GET("/stats", s.quickStats)

		subs := authed.Group("/subscriptions")
		{
			subs.GET("", s.listSubscriptions)
			subs.POST("/unsubscribe", s.markUnsubscribed)
			subs.POST("/unsubscribe/bulk", s.markUnsubscribedBulk)
		}

		emails := authed.Group("/emails")
		{
			emails.POST("/trash", s.trashEmails)
			emails.POST("/delete", s.deleteEmails)
		}
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		ev := s.Log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.Log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmirror/internal/bulk"
	"github.com/Martian-dev/mailmirror/internal/explorer"
	"github.com/Martian-dev/mailmirror/internal/subscriptions"
)

func (s *Server) startSync(c *gin.Context) {
	res, err := s.Sync.Start(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) syncProgress(c *gin.Context) {
	res, err := s.Sync.GetProgress(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelSync(c *gin.Context) {
	res, err := s.Sync.Cancel(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resumeSync(c *gin.Context) {
	res, err := s.Sync.Resume(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":         res.JobID,
		"status":        res.Status,
		"totalMessages": res.TotalMessages,
		"message":       "sync resumed",
	})
}

func (s *Server) deltaSync(c *gin.Context) {
	res, err := s.Sync.Delta(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.FullSync {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) reconnected(c *gin.Context) {
	if err := s.Sync.MarkReconnected(c.Request.Context(), accountID(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "account reconnected"})
}

func (s *Server) explorerEmails(c *gin.Context) {
	var (
		f   explorer.Filter
		req explorer.PageRequest
	)
	if err := c.ShouldBindQuery(&f); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Explorer.Query(c.Request.Context(), accountID(c), f, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) quickStats(c *gin.Context) {
	res, err := s.Stats.Quick(c.Request.Context(), accountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type pageQuery struct {
	Page  int `form:"page" binding:"omitempty,min=1"`
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (s *Server) listSubscriptions(c *gin.Context) {
	var (
		f subscriptions.Filter
		p pageQuery
	)
	if err := c.ShouldBindQuery(&f); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := c.ShouldBindQuery(&p); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Subscriptions.List(c.Request.Context(), accountID(c), f, p.Page, p.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type unsubscribeRequest struct {
	SenderEmail string `json:"senderEmail" binding:"required,email"`
	SenderName  string `json:"senderName"`
}

func (s *Server) markUnsubscribed(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Subscriptions.MarkUnsubscribed(c.Request.Context(), accountID(c), req.SenderEmail, req.SenderName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"senderEmail":         res.SenderEmail,
		"alreadyUnsubscribed": res.AlreadyUnsubscribed,
	})
}

type bulkUnsubscribeRequest struct {
	Senders []subscriptions.Sender `json:"senders" binding:"required,min=1,max=1000"`
}

func (s *Server) markUnsubscribedBulk(c *gin.Context) {
	var req bulkUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Subscriptions.MarkUnsubscribedBulk(c.Request.Context(), accountID(c), req.Senders)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) trashEmails(c *gin.Context) {
	var target bulk.Target
	if err := c.ShouldBindJSON(&target); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Bulk.Trash(c.Request.Context(), accountID(c), target)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) deleteEmails(c *gin.Context) {
	var target bulk.Target
	if err := c.ShouldBindJSON(&target); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.Bulk.PermanentlyDelete(c.Request.Context(), accountID(c), target)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

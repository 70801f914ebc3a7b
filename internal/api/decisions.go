// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/chronicle/internal/confirmation"
	"github.com/traylinx/chronicle/internal/logging"
	"github.com/traylinx/chronicle/internal/permission"
)

// RespondRequest is the body of POST /confirmation/respond.
type RespondRequest struct {
	ConfirmationID string `json:"confirmationId" binding:"required"`
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason"`
}

// ApproveRequest is the optional body of a permission approval.
type ApproveRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// DenyRequest is the body of a permission denial.
type DenyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) respondConfirmation(c *gin.Context) {
	if s.deps.Confirmations == nil {
		unavailable(c, "confirmation gateway")
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	conf, err := s.deps.Confirmations.Respond(req.ConfirmationID, req.Approved, req.Reason)
	switch {
	case errors.Is(err, confirmation.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, confirmation.ErrNotPending):
		fail(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	logging.RequestLogger(c).WithField("confirmation_id", conf.ID).Infof("api: confirmation %s", conf.Status)
	ok(c, http.StatusOK, gin.H{"confirmation": conf})
}

func (s *Server) pendingConfirmations(c *gin.Context) {
	if s.deps.Confirmations == nil {
		unavailable(c, "confirmation gateway")
		return
	}
	pending := s.deps.Confirmations.Pending()
	ok(c, http.StatusOK, gin.H{"confirmations": pending, "count": len(pending)})
}

func (s *Server) confirmationHistory(c *gin.Context) {
	if s.deps.Confirmations == nil {
		unavailable(c, "confirmation gateway")
		return
	}
	history := s.deps.Confirmations.History(queryInt(c, "limit", 50))
	ok(c, http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
		"stats":   s.deps.Confirmations.Stats(),
	})
}

// confirmationStream upgrades to a websocket that receives every
// confirmation request and decision.
func (s *Server) confirmationStream(c *gin.Context) {
	if s.deps.Stream == nil {
		unavailable(c, "confirmation stream")
		return
	}
	s.deps.Stream.ServeHTTP(c.Writer, c.Request)
}

func permissionStatus(err error) int {
	switch {
	case errors.Is(err, permission.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, permission.ErrNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) permissionRequests(c *gin.Context) {
	if s.deps.Permissions == nil {
		unavailable(c, "permission manager")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"requests": s.deps.Permissions.PendingRequests(),
		"grants":   s.deps.Permissions.Grants(),
	})
}

func (s *Server) approvePermission(c *gin.Context) {
	if s.deps.Permissions == nil {
		unavailable(c, "permission manager")
		return
	}
	var req ApproveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.TTLSeconds < 0 {
		fail(c, http.StatusBadRequest, "ttl_seconds cannot be negative")
		return
	}
	grant, err := s.deps.Permissions.ApprovePermissionRequest(c.Param("id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		fail(c, permissionStatus(err), err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"grant": grant})
}

func (s *Server) denyPermission(c *gin.Context) {
	if s.deps.Permissions == nil {
		unavailable(c, "permission manager")
		return
	}
	var req DenyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "denied by operator"
	}
	if err := s.deps.Permissions.DenyPermissionRequest(c.Param("id"), req.Reason); err != nil {
		fail(c, permissionStatus(err), err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"request_id": c.Param("id"), "reason": req.Reason})
}

func (s *Server) permissionAudit(c *gin.Context) {
	if s.deps.Permissions == nil {
		unavailable(c, "permission manager")
		return
	}
	entries := s.deps.Permissions.Audit(queryInt(c, "limit", 100))
	ok(c, http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) listInvestigations(c *gin.Context) {
	if s.deps.Coordinator == nil {
		unavailable(c, "coordinator")
		return
	}
	invs := s.deps.Coordinator.Investigations()
	if status := c.Query("status"); status != "" {
		filtered := invs[:0]
		for _, inv := range invs {
			if string(inv.Status) == status {
				filtered = append(filtered, inv)
			}
		}
		invs = filtered
	}
	ok(c, http.StatusOK, gin.H{"investigations": invs, "count": len(invs)})
}

func (s *Server) getInvestigation(c *gin.Context) {
	if s.deps.Coordinator == nil {
		unavailable(c, "coordinator")
		return
	}
	inv, found := s.deps.Coordinator.Investigation(c.Param("id"))
	if !found {
		fail(c, http.StatusNotFound, "investigation not found")
		return
	}
	ok(c, http.StatusOK, gin.H{"investigation": inv})
}

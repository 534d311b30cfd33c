/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

// ResolveRequest is the body of POST /v1/sessions/:sessionId/sandbox.
// AutoCreate defaults to true.
type ResolveRequest struct {
	AutoCreate          *bool `json:"autoCreate"`
	Ports               []int `json:"ports"`
	StartDevServer      bool  `json:"startDevServer"`
	InstallDependencies bool  `json:"installDependencies"`
	RestoredFromGitHub  bool  `json:"restoredFromGitHub"`
}

func (r *ResolveRequest) options() types.ResolveOptions {
	autoCreate := true
	if r.AutoCreate != nil {
		autoCreate = *r.AutoCreate
	}
	return types.ResolveOptions{
		AutoCreate:          autoCreate,
		Ports:               r.Ports,
		StartDevServer:      r.StartDevServer,
		InstallDependencies: r.InstallDependencies,
		RestoredFromGitHub:  r.RestoredFromGitHub,
	}
}

// SandboxResponse renders a SandboxContext.
type SandboxResponse struct {
	SessionID            string     `json:"sessionId"`
	SandboxID            string     `json:"sandboxId,omitempty"`
	IsValid              bool       `json:"isValid"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	TimeRemainingSeconds int64      `json:"timeRemainingSeconds,omitempty"`
	Source               string     `json:"source"`
	Error                string     `json:"error,omitempty"`
}

func newSandboxResponse(sessionID string, sc *types.SandboxContext) *SandboxResponse {
	return &SandboxResponse{
		SessionID:            sessionID,
		SandboxID:            sc.SandboxID,
		IsValid:              sc.IsValid,
		ExpiresAt:            sc.ExpiresAt,
		TimeRemainingSeconds: int64(sc.TimeRemaining / time.Second),
		Source:               string(sc.Source),
		Error:                sc.Error,
	}
}

// SnapshotRequest is the body of PUT /v1/sessions/:sessionId/snapshot.
type SnapshotRequest struct {
	Files []types.SnapshotFile `json:"files"`
}

// handleHealthLive handles liveness probe
func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

// handleHealthReady handles readiness probe
func (s *Server) handleHealthReady(c *gin.Context) {
	if err := s.service.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

func (s *Server) handleResolve(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		invalidRequest(c, "invalid request body: %v", err)
		return
	}
	for _, p := range req.Ports {
		if p <= 0 || p > 65535 {
			invalidRequest(c, "invalid port %d", p)
			return
		}
	}

	s.resolve(c, sessionID, req.options())
}

func (s *Server) handleGetSandbox(c *gin.Context) {
	s.resolve(c, c.Param("sessionId"), types.ResolveOptions{AutoCreate: false})
}

func (s *Server) resolve(c *gin.Context, sessionID string, opts types.ResolveOptions) {
	sc, err := s.service.Resolve(c.Request.Context(), sessionID, opts)
	if err != nil {
		klog.Warningf("resolve session %s failed: %v", sessionID, err)
		respondStatusError(c, sessionID, err)
		return
	}

	status := http.StatusOK
	if sc.Source == types.SourceCreated {
		status = http.StatusCreated
	}
	respondJSON(c, status, newSandboxResponse(sessionID, sc))
}

func (s *Server) handleInvalidate(c *gin.Context) {
	sessionID := c.Param("sessionId")

	purge := false
	if raw := c.Query("purge"); raw != "" {
		var err error
		purge, err = strconv.ParseBool(raw)
		if err != nil {
			invalidRequest(c, "invalid purge value %q", raw)
			return
		}
	}

	if purge {
		if err := s.service.Purge(c.Request.Context(), sessionID); err != nil {
			respondStatusError(c, sessionID, err)
			return
		}
	} else {
		s.service.Invalidate(sessionID)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSaveSnapshot(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request body: %v", err)
		return
	}
	for i, f := range req.Files {
		if f.Path == "" {
			invalidRequest(c, "file %d has an empty path", i)
			return
		}
	}

	if err := s.service.SaveSnapshot(c.Request.Context(), sessionID, req.Files); err != nil {
		respondStatusError(c, sessionID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteSnapshot(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := s.service.DeleteSnapshot(c.Request.Context(), sessionID); err != nil {
		respondStatusError(c, sessionID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSessions(c *gin.Context) {
	owner := c.Param("owner")
	sessions, err := s.service.ListSessions(c.Request.Context(), owner)
	if err != nil {
		respondStatusError(c, "", err)
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	respondJSON(c, http.StatusOK, gin.H{
		"owner":    owner,
		"sessions": sessions,
	})
}

func (s *Server) handleIndexSession(c *gin.Context) {
	if err := s.service.IndexSession(c.Request.Context(), c.Param("owner"), c.Param("sessionId")); err != nil {
		respondStatusError(c, c.Param("sessionId"), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnindexSession(c *gin.Context) {
	if err := s.service.UnindexSession(c.Request.Context(), c.Param("owner"), c.Param("sessionId")); err != nil {
		respondStatusError(c, c.Param("sessionId"), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	respondJSON(c, http.StatusOK, s.service.Stats())
}

// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

type workerPayload struct {
	ID      string `json:"id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

type workerInfo struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	InFlight int64  `json:"in_flight"`
}

// Handler returns the router's inbound HTTP API:
//   - POST /generate forwards a generation request to the selected worker and
//     relays the worker's response body unchanged.
//   - GET /workers lists registered workers with their in-flight counts.
//   - POST /workers registers a worker from {"id": ..., "address": ...}.
//   - DELETE /workers/:id deregisters a worker.
//   - GET /health reports liveness.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/generate", r.handleGenerate)
	engine.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	engine.GET("/workers", r.handleListWorkers)
	engine.POST("/workers", r.handleAddWorker)
	engine.DELETE("/workers/:id", r.handleRemoveWorker)
	return engine
}

func (r *Router) handleGenerate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := r.Dispatch(c.Request.Context(), body)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, MIMEApplicationJSON, out)
}

func (r *Router) handleListWorkers(c *gin.Context) {
	workers := r.Workers()
	infos := make([]workerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, workerInfo{ID: w.ID(), Address: w.Address(), InFlight: w.Inflight()})
	}
	c.JSON(http.StatusOK, gin.H{"workers": infos})
}

func (r *Router) handleAddWorker(c *gin.Context) {
	var payload workerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.AddWorker(payload.ID, payload.Address); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (r *Router) handleRemoveWorker(c *gin.Context) {
	if err := r.RemoveWorker(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoWorker):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTransportFailure), errors.Is(err, ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/normalize"
	"github.com/domiro-org/domiro/internal/pipeline"
	"github.com/domiro-org/domiro/internal/storage/postgres"
)

type startScanRequest struct {
	Domains []string `json:"domains" binding:"required"`
}

// StartScan normalizes the submitted candidates and starts a fresh run
// over the valid ones, superseding any run in flight. The response
// echoes what was rejected so the caller can fix its input.
func (h *Handler) StartScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domains list required"})
		return
	}

	res := normalize.Normalize(nil, req.Domains)
	if len(res.Valid) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "no valid domains in request",
			"invalid":   res.Invalid,
			"duplicate": res.Duplicate,
		})
		return
	}

	runID := h.pipe.Start(res.Valid)
	startedAt := time.Now()
	if h.store != nil {
		go h.archiveWhenDone(runID, startedAt)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId":     runID,
		"accepted":  len(res.Valid),
		"invalid":   res.Invalid,
		"duplicate": res.Duplicate,
	})
}

// archiveWhenDone persists the run once it reaches a clean finish.
// Superseded and failed runs are not archived.
func (h *Handler) archiveWhenDone(runID uint64, startedAt time.Time) {
	<-h.pipe.Done()

	progress := h.pipe.Progress()
	if progress.RunID != runID || progress.Stage != pipeline.StageDone {
		return
	}

	rows := h.pipe.Snapshot()
	scan := &postgres.Scan{
		ID:         uuid.New().String(),
		RunSeq:     int64(runID),
		Stage:      string(progress.Stage),
		TotalCount: len(rows),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if err := h.store.SaveScan(scan, rows); err != nil {
		h.logger.Error("Failed to archive scan",
			zap.Error(err),
			zap.Uint64("run_id", runID),
		)
		return
	}
	h.logger.Info("Scan archived",
		zap.String("scan_id", scan.ID),
		zap.Uint64("run_id", runID),
		zap.Int("rows", len(rows)),
	)
}

func (h *Handler) GetCurrentScan(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipe.Progress())
}

func (h *Handler) GetCurrentResults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"progress": h.pipe.Progress(),
		"rows":     h.pipe.Snapshot(),
	})
}

func (h *Handler) RetryFailed(c *gin.Context) {
	runID, err := h.pipe.RetryFailed()
	if err != nil {
		if errors.Is(err, pipeline.ErrNothingToRetry) {
			c.JSON(http.StatusConflict, gin.H{"error": "no failed rows to retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

func (h *Handler) ResetScan(c *gin.Context) {
	h.pipe.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (h *Handler) ListScans(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "scan archive not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	scans, err := h.store.ListScans(limit, offset)
	if err != nil {
		h.logger.Error("Failed to list scans", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list scans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (h *Handler) GetScan(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "scan archive not configured"})
		return
	}

	scan, rows, err := h.store.GetScan(c.Param("id"))
	if err != nil {
		if errors.Is(err, postgres.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
			return
		}
		h.logger.Error("Failed to get scan", zap.Error(err), zap.String("scan_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get scan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan": scan, "rows": rows})
}

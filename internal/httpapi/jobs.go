package httpapi

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/history"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

// jobView はサーバー上のパスを含まない公開用のジョブ表現です。
type jobView struct {
	JobID            string            `json:"jobId"`
	Status           jobs.Status       `json:"status"`
	Progress         jobs.ProgressInfo `json:"progress"`
	Filename         string            `json:"filename"`
	InputSize        int64             `json:"inputSize"`
	DurationSeconds  float64           `json:"durationSeconds,omitempty"`
	Settings         compress.Settings `json:"settings"`
	Mode             compress.Mode     `json:"mode,omitempty"`
	PlannedVideoKbps int               `json:"plannedVideoKbps,omitempty"`
	Error            *jobs.ErrorInfo   `json:"error,omitempty"`
	StderrTail       []string          `json:"stderrTail,omitempty"`
	Output           *outputView       `json:"output,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

type outputView struct {
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	Stats       compress.Stats `json:"stats"`
	DownloadURL string         `json:"downloadUrl"`
}

func newJobView(job jobs.Job) jobView {
	v := jobView{
		JobID:            job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		Filename:         job.Input.Filename,
		InputSize:        job.Input.Size,
		DurationSeconds:  job.Input.DurationSeconds,
		Settings:         job.Settings,
		Mode:             job.Mode,
		PlannedVideoKbps: job.PlannedVideoKbps,
		Error:            job.Error,
		StderrTail:       job.StderrTail,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		StartedAt:        job.StartedAt,
		FinishedAt:       job.FinishedAt,
	}
	if job.Output != nil {
		v.Output = &outputView{
			Filename:    job.Output.Filename,
			Size:        job.Output.Size,
			Stats:       job.Output.Stats,
			DownloadURL: "/api/download/" + job.ID,
		}
	}
	return v
}

func jobIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, compress.CodeInvalidInput, "jobId を指定してください。")
		return "", false
	}
	return id, true
}

// Status は GET /api/status/:id のハンドラーです。
func (a *API) Status(c *gin.Context) {
	id, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := a.opts.Jobs.Status(id)
	if err != nil {
		respondWithError(c, a.logger, err)
		return
	}
	respondOK(c, http.StatusOK, newJobView(job))
}

// List は GET /api/jobs のハンドラーです。
func (a *API) List(c *gin.Context) {
	all := a.opts.Jobs.List()
	views := make([]jobView, 0, len(all))
	for _, job := range all {
		views = append(views, newJobView(job))
	}
	respondOK(c, http.StatusOK, gin.H{"jobs": views})
}

// Cancel は POST /api/cancel/:id のハンドラーです。
func (a *API) Cancel(c *gin.Context) {
	id, ok := jobIDParam(c)
	if !ok {
		return
	}
	outcome, err := a.opts.Jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, a.logger, err)
		return
	}

	data := gin.H{"jobId": id, "outcome": outcome}
	if job, err := a.opts.Jobs.Status(id); err == nil {
		data["status"] = job.Status
	}
	respondOK(c, http.StatusOK, data)
}

// Remove は DELETE /api/jobs/:id のハンドラーです。終了済みのジョブだけを削除します。
func (a *API) Remove(c *gin.Context) {
	id, ok := jobIDParam(c)
	if !ok {
		return
	}
	if err := a.opts.Jobs.Remove(c.Request.Context(), id); err != nil {
		respondWithError(c, a.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"jobId": id})
}

// Download は GET /api/download/:id のハンドラーです。
func (a *API) Download(c *gin.Context) {
	id, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := a.opts.Jobs.Status(id)
	if err != nil {
		respondWithError(c, a.logger, err)
		return
	}
	if job.Status != jobs.StatusCompleted || job.Output == nil {
		respondError(c, http.StatusConflict, "JOB_NOT_COMPLETED", "ジョブはまだ完了していません。")
		return
	}

	file, err := os.Open(job.Output.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(c, http.StatusNotFound, "JOB_RESULT_NOT_FOUND", "ジョブの成果物が見つかりませんでした。")
			return
		}
		respondWithError(c, a.logger, fmt.Errorf("成果物を開けません: %w", err))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondWithError(c, a.logger, fmt.Errorf("成果物の情報を取得できません: %w", err))
		return
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(job.Output.Path); err == nil {
		contentType = mt.String()
	}

	name := job.Output.Filename
	encodedName := url.PathEscape(name)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", job.ID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

// History は GET /api/history のハンドラーです。履歴が無効なら空の一覧を返します。
func (a *API) History(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(c, http.StatusBadRequest, compress.CodeInvalidInput, "limit は 0 以上の整数で指定してください。")
			return
		}
		limit = v
	}

	if a.opts.History == nil {
		respondOK(c, http.StatusOK, gin.H{"enabled": false, "entries": []history.Entry{}})
		return
	}
	entries, err := a.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		respondWithError(c, a.logger, fmt.Errorf("履歴の取得に失敗しました: %w", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"enabled": true, "entries": entries})
}

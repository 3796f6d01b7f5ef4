// Package httpapi は圧縮ジョブを操作する HTTP ハンドラーです。
// レスポンスは成功時 {success: true, data: ...}、失敗時 {success: false, code, message} の形式に揃えます。
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/storage"
)

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"code":    code,
		"message": message,
	})
}

func respondWithError(c *gin.Context, logger hclog.Logger, err error) {
	var cerr *compress.Error
	var serr *storage.Error
	var maxErr *http.MaxBytesError

	switch {
	case errors.As(err, &cerr):
		respondError(c, http.StatusBadRequest, cerr.Code, cerr.Message)
	case errors.As(err, &serr):
		status := http.StatusBadRequest
		switch serr.Code {
		case storage.CodeLimitExceeded:
			status = http.StatusRequestEntityTooLarge
		case storage.CodeUnsupportedFormat:
			status = http.StatusUnsupportedMediaType
		}
		respondError(c, status, serr.Code, serr.Message)
	case errors.As(err, &maxErr):
		respondError(c, http.StatusRequestEntityTooLarge, storage.CodeLimitExceeded, "ファイルサイズが上限を超えています。")
	case errors.Is(err, jobs.ErrNotFound):
		respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。")
	case errors.Is(err, jobs.ErrQueueFull):
		respondError(c, http.StatusTooManyRequests, "QUEUE_FULL", "処理待ちのジョブが上限に達しています。しばらくしてから再度お試しください。")
	case errors.Is(err, jobs.ErrJobActive):
		respondError(c, http.StatusConflict, "JOB_ACTIVE", "処理中のジョブは削除できません。先にキャンセルしてください。")
	case errors.Is(err, jobs.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "サーバーが停止処理中です。")
	case errors.Is(err, context.Canceled):
		respondError(c, http.StatusRequestTimeout, "REQUEST_CANCELED", "リクエストがキャンセルされました。")
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "サーバー内部でエラーが発生しました。")
	}
}

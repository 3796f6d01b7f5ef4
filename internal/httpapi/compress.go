package httpapi

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

// multipart のヘッダーやフォーム項目の分
const formOverheadBytes = 1 << 20

// Compress は POST /api/compress のハンドラーです。
// 動画を保存してジョブを投入し、202 とジョブ ID を返します。
func (a *API) Compress(c *gin.Context) {
	ctx := c.Request.Context()

	info := a.opts.Encoder.Encoder(ctx)
	if !info.Available {
		respondError(c, http.StatusServiceUnavailable, jobs.CodeEncoderUnavailable, "ffmpeg が利用できません。管理者に連絡してください。")
		return
	}

	if a.opts.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.MaxUploadSize+formOverheadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(c, a.logger, err)
			return
		}
		respondError(c, http.StatusBadRequest, compress.CodeInvalidInput, "multipart/form-data で動画ファイルを送信してください。")
		return
	}
	defer form.RemoveAll()

	file, err := extractSingleFile(form)
	if err != nil {
		respondError(c, http.StatusBadRequest, compress.CodeInvalidInput, err.Error())
		return
	}

	settings, err := parseSettings(c)
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		respondWithError(c, a.logger, err)
		return
	}
	if len(info.Encoders) > 0 && !info.Supports(settings.Codec) {
		respondError(c, http.StatusBadRequest, "CODEC_UNSUPPORTED", "この ffmpeg は "+settings.Codec.EncoderName()+" に対応していません。")
		return
	}

	stored, err := a.opts.Uploads.SaveMultipart(ctx, file)
	if err != nil {
		respondWithError(c, a.logger, err)
		return
	}

	jobID, err := a.opts.Jobs.Submit(ctx, jobs.SubmitRequest{
		InputPath:    stored.Path,
		OriginalName: stored.OriginalName,
		Settings:     settings,
		Ephemeral:    true,
	})
	if err != nil {
		if rmErr := a.opts.Uploads.Remove(stored.Path); rmErr != nil {
			a.logger.Warn("failed to remove rejected upload", "path", stored.Path, "error", rmErr)
		}
		respondWithError(c, a.logger, err)
		return
	}

	c.Header("Location", "/api/status/"+jobID)
	respondOK(c, http.StatusAccepted, gin.H{
		"jobId":     jobID,
		"status":    jobs.StatusQueued,
		"filename":  file.Filename,
		"size":      stored.Size,
		"settings":  settings,
		"statusUrl": "/api/status/" + jobID,
	})
}

// parseSettings はフォーム値を既定値に重ねて Settings を作ります。
func parseSettings(c *gin.Context) (compress.Settings, error) {
	s := compress.DefaultSettings()

	if raw := formValue(c, "target_size_mb", "targetSizeMb"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, compress.InvalidInput("target_size_mb は数値で指定してください (received: %s)", raw)
		}
		s.TargetSizeMB = v
	}
	if raw := formValue(c, "codec"); raw != "" {
		codec, err := compress.ParseCodec(raw)
		if err != nil {
			return s, err
		}
		s.Codec = codec
	}
	if raw := formValue(c, "crf"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return s, compress.InvalidInput("crf は整数で指定してください (received: %s)", raw)
		}
		s.CRF = v
	}
	if raw := formValue(c, "preset"); raw != "" {
		p, err := compress.ParsePreset(raw)
		if err != nil {
			return s, err
		}
		s.Preset = p
	}
	if raw := formValue(c, "audio_bitrate", "audioBitrate"); raw != "" {
		v, err := compress.ParseAudioBitrate(raw)
		if err != nil {
			return s, err
		}
		s.AudioBitrateKbps = v
	}
	if raw := formValue(c, "max_width", "maxWidth"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return s, compress.InvalidInput("max_width は整数で指定してください (received: %s)", raw)
		}
		s.MaxWidth = v
	}
	return s, nil
}

func formValue(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(c.PostForm(k)); v != "" {
			return v
		}
	}
	return ""
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("動画ファイルを選択してください。")
	}
	for _, key := range []string{"file", "video", "file[]", "files"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("動画ファイルを選択してください。")
}

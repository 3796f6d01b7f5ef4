package httpapi

import (
	"context"
	"mime/multipart"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/diagnostics"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/history"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/storage"
)

// JobService はジョブマネージャーの操作です。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (string, error)
	Status(id string) (jobs.Job, error)
	List() []jobs.Job
	Cancel(ctx context.Context, id string) (jobs.CancelOutcome, error)
	Remove(ctx context.Context, id string) error
}

// Uploader はアップロードの保存先です。
type Uploader interface {
	SaveMultipart(ctx context.Context, fh *multipart.FileHeader) (*storage.StoredFile, error)
	Remove(path string) error
}

// EncoderChecker は ffmpeg の利用可否を返します。
type EncoderChecker interface {
	Encoder(ctx context.Context) diagnostics.EncoderInfo
}

// HistoryReader は完了済みジョブの履歴を返します。
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Options は API の依存関係です。History と HostStats は省略できます。
type Options struct {
	Jobs          JobService
	Uploads       Uploader
	Encoder       EncoderChecker
	History       HistoryReader
	HostStats     func(ctx context.Context) diagnostics.HostStats
	MaxUploadSize int64
	Service       string
	Version       string
	Logger        hclog.Logger
}

// API は HTTP ハンドラーの集合です。
type API struct {
	opts   Options
	logger hclog.Logger
	now    func() time.Time
}

// New は API を作成します。
func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Service == "" {
		opts.Service = "video-compressor-api"
	}
	return &API{opts: opts, logger: logger.Named("http"), now: time.Now}
}

// Register は /api 配下のルートを登録します。guard は認証などのミドルウェアです。
func (a *API) Register(api *gin.RouterGroup, guard ...gin.HandlerFunc) {
	protected := api.Group("", guard...)
	{
		protected.POST("/compress", a.Compress)
		protected.GET("/status/:id", a.Status)
		protected.POST("/cancel/:id", a.Cancel)
		protected.GET("/jobs", a.List)
		protected.DELETE("/jobs/:id", a.Remove)
		protected.GET("/download/:id", a.Download)
		protected.GET("/history", a.History)
	}
}

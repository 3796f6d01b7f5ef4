// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/auth"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/config"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/diagnostics"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/httpapi"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/storage"
)

const (
	serviceName    = "video-compressor-api"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       serviceName,
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	uploads, err := storage.NewLocal(cfg.UploadDir, cfg.MaxFileSize)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	stack, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}

	checker := diagnostics.NewChecker(cfg.FFmpegPath)
	if info := checker.Encoder(ctx); !info.Available {
		logger.Warn("ffmpeg is not available; uploads will be rejected", "path", info.Path, "error", info.Error)
	} else {
		logger.Info("ffmpeg detected", "path", info.Path, "version", info.Version)
	}

	opts := httpapi.Options{
		Jobs:          stack.manager,
		Uploads:       uploads,
		Encoder:       checker,
		MaxUploadSize: cfg.MaxFileSize,
		Service:       serviceName,
		Version:       serviceVersion,
		Logger:        logger,
		HostStats: func(ctx context.Context) diagnostics.HostStats {
			return diagnostics.Host(ctx, cfg.OutputDir)
		},
	}
	if stack.history != nil {
		opts.History = stack.history
	}

	router := newRouter(cfg, httpapi.New(opts))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode, "auth", cfg.AuthEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			stack.close(context.Background(), logger)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	stack.close(shutdownCtx, logger)
	logger.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, api *httpapi.API) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定。認証が無効な場合は使い捨ての鍵で署名する
	secret := cfg.SessionSecret
	if secret == "" {
		secret = "unused-session-secret-auth-disabled"
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, api)
	return router
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, api *httpapi.API) {
	router.GET("/health", api.Health)

	authManager := auth.NewManager(auth.Credentials{
		Username:     cfg.AppUsername,
		PasswordHash: cfg.AppPasswordHash,
	})

	group := router.Group("/api")
	{
		authRoutes := group.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.GET("/session", authManager.Session)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		api.Register(group, authManager.RequireLogin(), authManager.VerifyCSRF())
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return origins
}

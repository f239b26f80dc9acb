package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"multicam/internal/config"
	"multicam/internal/host"
	"multicam/internal/metrics"
	"multicam/internal/orchestrator"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	orch       *orchestrator.Orchestrator
	loop       *host.Loop
	metrics    *metrics.Metrics
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New は新しいServerインスタンスを作成する
// Orchestrator への操作は全て loop 経由で行う
func New(cfg *config.Config, orch *orchestrator.Orchestrator, loop *host.Loop, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	engine := gin.New()
	// カメラIDはスラッシュを含むため、エスケープされたままルーティングする
	engine.UseRawPath = true
	engine.Use(gin.Recovery(), observe(m, logger.Named("http")), corsMiddleware(cfg.Server.AllowedOrigins))

	s := &Server{
		config:  cfg,
		orch:    orch,
		loop:    loop,
		metrics: m,
		logger:  logger.Named("server"),
		engine:  engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Server.AllowedOrigins),
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/cameras", s.handleCameras)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/events", s.handleEvents)

	// 状態を変更する操作
	ops := api.Group("")
	if s.config.Server.RateLimitEnabled {
		ops.Use(rateLimit(s.config.Server.RateLimitRPS, s.config.Server.RateLimitBurst))
	}
	ops.POST("/sessions", s.handleAddCamera)
	ops.DELETE("/sessions/:id", s.handleRemoveCamera)
	ops.PATCH("/sessions/:id/settings", s.handleUpdateSettings)
	ops.POST("/sessions/:id/preview", s.sessionIntent(s.orch.StartPreview))
	ops.DELETE("/sessions/:id/preview", s.sessionIntent(s.orch.StopPreview))
	ops.POST("/sessions/:id/capture", s.sessionIntent(s.orch.StartCapture))
	ops.DELETE("/sessions/:id/capture", s.sessionIntent(s.orch.StopCapture))
	ops.POST("/sessions/:id/reset", s.sessionIntent(s.orch.ResetSession))
	ops.POST("/capture/start-all", s.handleStartAll)
	ops.POST("/capture/stop-all", s.handleStopAll)
	ops.PUT("/output-path", s.handleSetOutputPath)
}

// Handler はルーティング済みのHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、コンテキストがキャンセルされるまで待つ
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// イベントストリームの接続は Orchestrator の停止で閉じられる
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("サーバーをシャットダウンしています")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

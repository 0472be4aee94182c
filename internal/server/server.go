package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"grabfleet/internal/camera"
	"grabfleet/internal/config"
	"grabfleet/internal/mosaic"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
// worker が nil の場合、ストリーミングは利用できない
func New(cfg *config.Config, fleet *camera.Fleet, worker *camera.Worker) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	handler := &Handler{
		config:   cfg,
		fleet:    fleet,
		worker:   worker,
		composer: mosaic.NewComposer(cfg.Mosaic.Width, cfg.Mosaic.Height, cfg.Mosaic.Quality),
	}

	s := &Server{
		config:  cfg,
		handler: handler,
		engine:  engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.POST("/refresh", h.Refresh)
	api.GET("/mosaic.jpg", h.GetMosaic)

	cameras := api.Group("/cameras")
	cameras.GET("", h.GetCameras)
	cameras.GET("/:id", h.GetCamera)
	cameras.POST("/:id/acquisition/start", h.StartAcquisition)
	cameras.POST("/:id/acquisition/stop", h.StopAcquisition)
	cameras.POST("/:id/trigger", h.Trigger)
	cameras.GET("/:id/frame.png", h.GetFrame)
	cameras.GET("/:id/stream", h.GetCameraStream)

	api.PUT("/boards/:board/devices/:index/calibration", h.ReplaceCalibration)
}

// Handler はルーティング済みのHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctxがキャンセルされたらシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		log.WithField("addr", s.config.ServerAddress()).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Info("shutting down HTTP server")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}
	return nil
}

// requestLogger はリクエストごとにlogrusへ出力するミドルウェア
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"multicam/internal/camera"
	"multicam/internal/host"
	"multicam/internal/orchestrator"
	"multicam/internal/session"
)

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status            string     `json:"status"`
	Server            ServerInfo `json:"server"`
	Sessions          int        `json:"sessions"`
	CaptureActive     bool       `json:"captureActive"`
	AppFPS            float64    `json:"appFps"`
	AppLimited        []string   `json:"appLimited,omitempty"` // 更新レートより高いフレームレートを要求しているカメラ
	DefaultOutputPath string     `json:"defaultOutputPath"`
	Previewing        string     `json:"previewing,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// AddCameraRequest はカメラ追加のリクエスト
type AddCameraRequest struct {
	Camera string `json:"camera" binding:"required"`
}

// OutputPathRequest は共有出力先変更のリクエスト
type OutputPathRequest struct {
	Path string `json:"path" binding:"required"`
}

// SettingsErrorResponse は設定の一部が拒否された場合のレスポンス
// 受け入れられた変更を反映した後のセッションを含む
type SettingsErrorResponse struct {
	ErrorResponse
	Session session.View `json:"session"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	resp, err := host.Call(c.Request.Context(), s.loop, func(context.Context) (StatusResponse, error) {
		previewing, _ := s.orch.Previewing()
		return StatusResponse{
			Status: "running",
			Server: ServerInfo{
				Host: s.config.Server.Host,
				Port: s.config.Server.Port,
			},
			Sessions:          len(s.orch.ListSessions()),
			CaptureActive:     s.orch.GlobalCaptureActive(),
			AppFPS:            s.orch.AppFPS(),
			AppLimited:        s.orch.AppLimited(),
			DefaultOutputPath: s.orch.DefaultOutputPath(),
			Previewing:        previewing,
			Timestamp:         time.Now(),
		}, nil
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCameras はシーン内のカメラ一覧を返す
func (s *Server) handleCameras(c *gin.Context) {
	cameras, err := host.Call(c.Request.Context(), s.loop, s.orch.Cameras)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

func (s *Server) handleListSessions(c *gin.Context) {
	views, err := host.Call(c.Request.Context(), s.loop, func(context.Context) ([]session.View, error) {
		return s.orch.ListSessions(), nil
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	view, err := host.Call(c.Request.Context(), s.loop, func(context.Context) (session.View, error) {
		return s.orch.GetSession(id)
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleAddCamera(c *gin.Context) {
	var req AddCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	view, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) (session.View, error) {
		return s.orch.AddCamera(ctx, req.Camera)
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleRemoveCamera(c *gin.Context) {
	id := c.Param("id")
	_, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.orch.RemoveCamera(ctx, id)
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUpdateSettings は設定の部分更新を適用する
// 一部のフィールドが拒否されても、有効なフィールドは反映される
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var patch camera.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	view, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) (session.View, error) {
		return s.orch.UpdateSettings(ctx, id, patch)
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, view)
	case camera.IsValidationError(err):
		status, code := statusFor(err)
		c.AbortWithStatusJSON(status, SettingsErrorResponse{
			ErrorResponse: ErrorResponse{
				Error:     code,
				Message:   err.Error(),
				Timestamp: time.Now(),
			},
			Session: view,
		})
	default:
		abortWithError(c, err)
	}
}

// sessionIntent はセッション単位の操作を実行し、操作後のセッションを返すハンドラーを作る
func (s *Server) sessionIntent(intent func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		view, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) (session.View, error) {
			if err := intent(ctx, id); err != nil {
				return session.View{}, err
			}
			return s.orch.GetSession(id)
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func (s *Server) handleStartAll(c *gin.Context) {
	s.bulkIntent(c, s.orch.StartAllCaptures)
}

func (s *Server) handleStopAll(c *gin.Context) {
	s.bulkIntent(c, s.orch.StopAllCaptures)
}

// bulkIntent は一括操作を実行し、カメラごとの結果を返す
// 個別の失敗はレスポンスの結果に含め、ステータスは 200 とする
func (s *Server) bulkIntent(c *gin.Context, intent func(ctx context.Context) []orchestrator.Result) {
	results, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) ([]orchestrator.Result, error) {
		return intent(ctx), nil
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if results == nil {
		results = []orchestrator.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleSetOutputPath(c *gin.Context) {
	var req OutputPathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	path, err := host.Call(c.Request.Context(), s.loop, func(ctx context.Context) (string, error) {
		if err := s.orch.SetDefaultOutputPath(ctx, req.Path); err != nil {
			return "", err
		}
		return s.orch.DefaultOutputPath(), nil
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

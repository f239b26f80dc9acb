package server

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait は1回の書き込みの待ち時間
	writeWait = 10 * time.Second
	// pongWait は pong を待つ時間
	pongWait = 60 * time.Second
	// pingPeriod は pongWait より短くする
	pingPeriod = pongWait * 9 / 10
)

// checkOrigin は WebSocket 接続元のオリジンを検査する関数を返す
// Origin ヘッダーのないクライアント（ブラウザ以外）は許可する
func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// handleEvents は警告・エラー・キャプチャ集計などのイベントを WebSocket で配信する
func (s *Server) handleEvents(c *gin.Context) {
	// 接続確立までの間のイベントを取りこぼさないよう、先に購読する
	events, cancel := s.orch.Subscribe(s.config.Capture.EventBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocketへのアップグレードに失敗", zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()

	client := c.ClientIP()
	s.logger.Debug("イベントストリームに接続", zap.String("client", client))

	// クライアントからのメッセージは読み捨て、切断の検知にだけ使う
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Debug("イベントストリームから切断", zap.String("client", client))
			return

		case ev, ok := <-events:
			if !ok {
				// Orchestrator が停止した
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(writeWait))
				return
			}
			data, err := sonic.Marshal(ev)
			if err != nil {
				s.logger.Error("イベントのエンコードに失敗", zap.String("kind", string(ev.Kind)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("イベントの送信に失敗", zap.String("client", client), zap.Error(err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

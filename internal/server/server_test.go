package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam/internal/camera"
	"multicam/internal/config"
	"multicam/internal/host"
	"multicam/internal/orchestrator"
	"multicam/internal/render"
	"multicam/internal/session"
	"multicam/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv      *Server
	orch     *orchestrator.Orchestrator
	renderer *render.MockRenderer
	store    *store.MemoryStore
}

func newTestServer(t *testing.T, modify func(*config.Config), ids ...string) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.RateLimitEnabled = false
	if modify != nil {
		modify(cfg)
	}

	queue := render.NewQueue()
	ts := &testServer{
		renderer: render.NewMockRenderer(queue),
		store:    store.NewMemoryStore(),
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Provider:          camera.NewStaticProvider(ids...),
		Renderer:          ts.renderer,
		Queue:             queue,
		Viewport:          render.NewSceneViewport("/OmniverseKit_Persp", nil),
		Store:             ts.store,
		DefaultOutputPath: "/captures",
	})
	require.NoError(t, err)
	ts.orch = orch

	loop := host.New(orch, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
		_ = orch.Shutdown(context.Background())
	})

	ts.srv = New(cfg, orch, loop, nil, nil)
	return ts
}

// do はリクエストを処理してレスポンスを返す
func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func sessionPath(id string, suffix ...string) string {
	return "/api/sessions/" + url.PathEscape(id) + strings.Join(suffix, "")
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.Port = 0 // ランダムポートを使用
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ts.srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は参照系エンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1", "/World/cam2")

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
	}{
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK},
		{"ステータスエンドポイント", "/api/status", http.StatusOK},
		{"カメラ一覧", "/api/cameras", http.StatusOK},
		{"セッション一覧", "/api/sessions", http.StatusOK},
		{"メトリクス", "/metrics", http.StatusOK},
		{"存在しないパス", "/api/unknown", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, tc.endpoint, "")
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.expectedStatus)
			}
		})
	}

	t.Run("カメラ一覧の内容", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/cameras", "")
		resp := decode[struct {
			Cameras []camera.Info `json:"cameras"`
		}](t, w)
		require.Len(t, resp.Cameras, 2)
		assert.Equal(t, "/World/cam1", resp.Cameras[0].ID)
	})

	t.Run("メトリクスにリクエスト数が含まれる", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/metrics", "")
		assert.Contains(t, w.Body.String(), "multicam_http_requests_total")
		assert.Contains(t, w.Body.String(), `path="/health"`)
	})
}

// TestSessionLifecycle はカメラの追加からキャプチャ、削除までをAPI経由でテストする
func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1")
	id := "/World/cam1"

	w := ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	view := decode[session.View](t, w)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, camera.StateIdle, view.State)

	// スラッシュを含むIDはエスケープして渡す
	w = ts.do(t, http.MethodGet, sessionPath(id), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, id, decode[session.View](t, w).ID)

	w = ts.do(t, http.MethodPatch, sessionPath(id, "/settings"), `{"displayName":"Front","frameRate":24}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view = decode[session.View](t, w)
	assert.Equal(t, "Front", view.DisplayName)
	assert.Equal(t, 24, view.FrameRate)

	w = ts.do(t, http.MethodPost, sessionPath(id, "/preview"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, camera.StatePreviewing, decode[session.View](t, w).State)

	w = ts.do(t, http.MethodGet, "/api/status", "")
	status := decode[StatusResponse](t, w)
	assert.Equal(t, id, status.Previewing)
	assert.Equal(t, 1, status.Sessions)

	w = ts.do(t, http.MethodDelete, sessionPath(id, "/preview"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, camera.StateIdle, decode[session.View](t, w).State)

	w = ts.do(t, http.MethodPost, sessionPath(id, "/capture"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view = decode[session.View](t, w)
	assert.Equal(t, camera.StateCapturing, view.State)
	assert.NotEmpty(t, view.RunID)
	assert.True(t, strings.HasPrefix(view.CaptureDir, "/captures/capture_"), view.CaptureDir)

	w = ts.do(t, http.MethodGet, "/api/status", "")
	assert.True(t, decode[StatusResponse](t, w).CaptureActive)

	w = ts.do(t, http.MethodDelete, sessionPath(id, "/capture"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, camera.StateIdle, decode[session.View](t, w).State)

	w = ts.do(t, http.MethodDelete, sessionPath(id), "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, sessionPath(id), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestErrorStatus はエラーの種類とHTTPステータスの対応をテストする
func TestErrorStatus(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1", "/World/cam2")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam2"}`).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, sessionPath("/World/cam1", "/capture"), "").Code)
	ts.renderer.SetOpenError("/World/cam2", fmt.Errorf("%w: ディスクがいっぱいです", camera.ErrIO))

	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"存在しないセッション", http.MethodGet, sessionPath("/World/none"), "", http.StatusNotFound, "not_found"},
		{"存在しないセッションの削除", http.MethodDelete, sessionPath("/World/none"), "", http.StatusNotFound, "not_found"},
		{"重複したカメラ", http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`, http.StatusConflict, "duplicate_camera"},
		{"解決できないカメラ", http.MethodPost, "/api/sessions", `{"camera":"/World/missing"}`, http.StatusUnprocessableEntity, "unresolved_camera"},
		{"不正なJSON", http.MethodPost, "/api/sessions", `{`, http.StatusBadRequest, "bad_request"},
		{"カメラの指定なし", http.MethodPost, "/api/sessions", `{}`, http.StatusBadRequest, "bad_request"},
		{"キャプチャ中に再開始", http.MethodPost, sessionPath("/World/cam1", "/capture"), "", http.StatusConflict, "capture_already_active"},
		{"キャプチャ中にプレビュー", http.MethodPost, sessionPath("/World/cam1", "/preview"), "", http.StatusConflict, "invalid_transition"},
		{"キャプチャ中にプレビュー停止", http.MethodDelete, sessionPath("/World/cam1", "/preview"), "", http.StatusConflict, "invalid_transition"},
		{"出力先を開けない", http.MethodPost, sessionPath("/World/cam2", "/capture"), "", http.StatusBadGateway, "io_error"},
		{"空の出力先", http.MethodPut, "/api/output-path", `{"path":""}`, http.StatusBadRequest, "bad_request"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tc.wantCode, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

// TestStatus_AppLimited は更新レートを上回るカメラがステータスに含まれることをテストする
func TestStatus_AppLimited(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1", "/World/cam2")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam2"}`).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, sessionPath("/World/cam1", "/settings"), `{"frameRate":120}`).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, sessionPath("/World/cam2", "/settings"), `{"frameRate":120,"enabled":false}`).Code)

	// 2秒かかった更新を1回挟み、計測窓の更新レートを 120fps 未満にする
	_, err := host.Call(context.Background(), ts.srv.loop, func(ctx context.Context) (struct{}, error) {
		ts.orch.Tick(ctx, 2*time.Second)
		return struct{}{}, nil
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[StatusResponse](t, w)
	assert.Greater(t, resp.AppFPS, 0.0)
	assert.Equal(t, []string{"/World/cam1"}, resp.AppLimited)
}

// TestUpdateSettings_PartialRejection は一部のフィールドが拒否された場合のレスポンスをテストする
func TestUpdateSettings_PartialRejection(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`).Code)

	w := ts.do(t, http.MethodPatch, sessionPath("/World/cam1", "/settings"), `{"displayName":"Front","frameRate":200}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	resp := decode[SettingsErrorResponse](t, w)
	assert.Equal(t, "invalid_settings", resp.Error)
	assert.Equal(t, "Front", resp.Session.DisplayName, "有効なフィールドは反映される")
	assert.NotEqual(t, 200, resp.Session.FrameRate)

	w = ts.do(t, http.MethodPatch, sessionPath("/World/none", "/settings"), `{"frameRate":24}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestBulkCapture は一括開始・停止をテストする
func TestBulkCapture(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1", "/World/cam2")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam1"}`).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", `{"camera":"/World/cam2"}`).Code)
	ts.renderer.SetOpenError("/World/cam2", fmt.Errorf("%w: ディスクがいっぱいです", camera.ErrIO))

	type results struct {
		Results []orchestrator.Result `json:"results"`
	}

	w := ts.do(t, http.MethodPost, "/api/capture/start-all", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[results](t, w)
	require.Len(t, started.Results, 2)
	assert.Equal(t, "/World/cam1", started.Results[0].CameraID)
	assert.Empty(t, started.Results[0].Error)
	assert.Equal(t, "/World/cam2", started.Results[1].CameraID)
	assert.NotEmpty(t, started.Results[1].Error)

	// 出力先を開けなかったカメラは Error になる
	failed := decode[session.View](t, ts.do(t, http.MethodGet, sessionPath("/World/cam2"), ""))
	assert.Equal(t, camera.StateError, failed.State)
	assert.NotEmpty(t, failed.LastError)

	w = ts.do(t, http.MethodPost, "/api/capture/stop-all", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decode[results](t, w)
	require.Len(t, stopped.Results, 1)
	assert.Equal(t, "/World/cam1", stopped.Results[0].CameraID)

	// キャプチャ中のセッションがなければ結果は空
	w = ts.do(t, http.MethodPost, "/api/capture/stop-all", "")
	assert.Empty(t, decode[results](t, w).Results)
}

// TestSetOutputPath は共有出力先の変更をテストする
func TestSetOutputPath(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPut, "/api/output-path", `{"path":"/data/captures"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "/data/captures", decode[map[string]string](t, w)["path"])

	w = ts.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "/data/captures", decode[StatusResponse](t, w).DefaultOutputPath)

	snap, ok := ts.store.Saved()
	require.True(t, ok)
	assert.Equal(t, "/data/captures", snap.DefaultOutputPath)
}

// TestRateLimit は操作系APIのレート制限をテストする
func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimitEnabled = true
		c.Server.RateLimitRPS = 0.001
		c.Server.RateLimitBurst = 1
	})

	w := ts.do(t, http.MethodPost, "/api/capture/stop-all", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/capture/stop-all", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, w).Error)

	// 参照系は制限しない
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions", "").Code)
	}
}

// TestCORS は許可されたオリジンへのCORSヘッダーをテストする
func TestCORS(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"http://localhost:5173"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestCheckOrigin はWebSocket接続元の検査をテストする
func TestCheckOrigin(t *testing.T) {
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	all := checkOrigin([]string{"*"})
	assert.True(t, all(request("http://any.example.com")))

	limited := checkOrigin([]string{"http://localhost:5173"})
	assert.True(t, limited(request("http://localhost:5173")))
	assert.True(t, limited(request("")))
	assert.False(t, limited(request("http://evil.example.com")))
}

// TestEventStream は保存失敗のイベントがWebSocketで届くことをテストする
func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil, "/World/cam1")
	httpServer := httptest.NewServer(ts.srv.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ts.store.SetSaveError(fmt.Errorf("%w: 書き込み禁止", camera.ErrIO))

	resp, err := http.Post(httpServer.URL+"/api/sessions", "application/json", strings.NewReader(`{"camera":"/World/cam1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	// 保存に失敗しても操作は成功する
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev orchestrator.Event
	require.NoError(t, sonic.Unmarshal(data, &ev))
	assert.Equal(t, orchestrator.EventSaveFailed, ev.Kind)
	assert.NotEmpty(t, ev.ID)
	assert.Contains(t, ev.Message, "書き込み禁止")
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"grabfleet/internal/camera"
	"grabfleet/internal/config"
	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
	"grabfleet/internal/registry"
)

const solios = string(hardware.SystemSolios)

type serverFixture struct {
	fleet  *camera.Fleet
	worker *camera.Worker
	store  *registry.MemoryStore
	calib  string
	srv    *Server
}

// newServerFixture は2台のカメラを開いた状態のサーバーを作る
func newServerFixture(t *testing.T, withWorker bool) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	calib := filepath.Join(t.TempDir(), "default.dcf")
	if err := os.WriteFile(calib, []byte("dcf"), 0644); err != nil {
		t.Fatal(err)
	}

	sim := hardware.NewSimulator(hardware.SimBoard{
		Descriptor: solios,
		Digitizers: []hardware.Geometry{{Width: 4, Height: 2}, {Width: 4, Height: 2}},
	})
	store := registry.NewMemoryStore(
		registry.Entry{BoardType: solios, Device: 0, UserID: "left", CalibrationPath: calib, PixelFormat: string(frame.Mono8)},
		registry.Entry{BoardType: solios, Device: 1, UserID: "right", CalibrationPath: calib, PixelFormat: string(frame.Mono8)},
	)
	fleet := camera.NewFleet(sim, store, camera.FleetOptions{DefaultCalibrationPath: calib, DefaultPixelFormat: frame.Mono8})
	if err := fleet.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = fleet.Dispose() })

	var worker *camera.Worker
	if withWorker {
		worker = camera.NewWorker(fleet, hardware.TriggerContinuous, 10*time.Millisecond)
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	return &serverFixture{fleet: fleet, worker: worker, store: store, calib: calib, srv: New(cfg, fleet, worker)}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	fx := newServerFixture(t, false)
	fx.srv.config.Server.Port = 18081
	fx.srv.httpServer.Addr = fx.srv.config.ServerAddress()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- fx.srv.Start(ctx)
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
	fx := newServerFixture(t, false)

	testCases := []struct {
		name           string
		method         string
		endpoint       string
		expectedStatus int
	}{
		{"ヘルスチェック", http.MethodGet, "/health", http.StatusOK},
		{"メトリクス", http.MethodGet, "/metrics", http.StatusOK},
		{"ステータス", http.MethodGet, "/api/status", http.StatusOK},
		{"カメラ一覧", http.MethodGet, "/api/cameras", http.StatusOK},
		{"カメラ詳細", http.MethodGet, "/api/cameras/left", http.StatusOK},
		{"存在しないカメラ", http.MethodGet, "/api/cameras/missing", http.StatusNotFound},
		{"取得前のフレーム", http.MethodGet, "/api/cameras/left/frame.png", http.StatusNotFound},
		{"取得前の結合画像", http.MethodGet, "/api/mosaic.jpg", http.StatusNotFound},
		{"ワーカー無しのストリーム", http.MethodGet, "/api/cameras/left/stream", http.StatusServiceUnavailable},
		{"未開始の停止", http.MethodPost, "/api/cameras/left/acquisition/stop", http.StatusOK},
		{"存在しないカメラのトリガー", http.MethodPost, "/api/cameras/missing/trigger", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.do(t, tc.method, tc.endpoint, nil)
			if rec.Code != tc.expectedStatus {
				t.Errorf("ステータスコードが一致しません: got %d, want %d (%s)", rec.Code, tc.expectedStatus, rec.Body.String())
			}
		})
	}
}

// TestCameraList はカメラ一覧の内容をテストする
func TestCameraList(t *testing.T) {
	fx := newServerFixture(t, false)

	rec := fx.do(t, http.MethodGet, "/api/cameras", nil)
	var resp struct {
		Cameras []CameraInfo `json:"cameras"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("応答の解析に失敗しました: %v", err)
	}
	if len(resp.Cameras) != 2 {
		t.Fatalf("カメラ数が一致しません: got %d, want 2", len(resp.Cameras))
	}
	left := resp.Cameras[0]
	if left.UserID != "left" || left.BoardType != solios || left.Device != 0 {
		t.Errorf("カメラ情報が想定と異なります: %+v", left)
	}
	if left.Width != 4 || left.Height != 2 || left.State != camera.StateOpened.String() {
		t.Errorf("カメラの状態が想定と異なります: %+v", left)
	}
}

// TestAcquisitionAndFrame は取得開始からPNG取得までをテストする
func TestAcquisitionAndFrame(t *testing.T) {
	fx := newServerFixture(t, false)

	rec := fx.do(t, http.MethodPost, "/api/cameras/left/acquisition/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("取得開始に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	var info CameraInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.State != camera.StateAcquiring.String() {
		t.Errorf("状態が想定と異なります: %s", info.State)
	}

	if err := fx.fleet.GrabByID(context.Background(), "left", hardware.TriggerContinuous); err != nil {
		t.Fatalf("GrabByID failed: %v", err)
	}

	rec = fx.do(t, http.MethodGet, "/api/cameras/left/frame.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("フレームの取得に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("PNGの解析に失敗しました: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("画像サイズが一致しません: %v", b)
	}

	rec = fx.do(t, http.MethodGet, "/api/mosaic.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("結合画像の取得に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}

	rec = fx.do(t, http.MethodPost, "/api/cameras/left/acquisition/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("取得停止に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
}

// TestErrorResponse はエラー応答の形式をテストする
func TestErrorResponse(t *testing.T) {
	fx := newServerFixture(t, false)

	rec := fx.do(t, http.MethodGet, "/api/cameras/missing", nil)
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("応答の解析に失敗しました: %v", err)
	}
	if resp.Error != "IndexOutOfRange" || resp.Op != "DeviceByUserID" || resp.Message == "" {
		t.Errorf("エラー情報が想定と異なります: %+v", resp)
	}

	// 破棄後の操作は409
	if err := fx.fleet.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	rec = fx.do(t, http.MethodGet, "/api/cameras/left", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("ステータスコードが一致しません: got %d, want %d", rec.Code, http.StatusConflict)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "ClassDisposedError" {
		t.Errorf("エラーコードが一致しません: %s", resp.Error)
	}
}

// TestReplaceCalibration はキャリブレーションの差し替えをテストする
func TestReplaceCalibration(t *testing.T) {
	fx := newServerFixture(t, false)

	replacement := filepath.Join(t.TempDir(), "replacement.dcf")
	if err := os.WriteFile(replacement, []byte("dcf"), 0644); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name           string
		path           string
		body           string
		expectedStatus int
	}{
		{"不正な番号", "/api/boards/" + solios + "/devices/x/calibration", `{"path":"a"}`, http.StatusBadRequest},
		{"パス無し", "/api/boards/" + solios + "/devices/0/calibration", `{}`, http.StatusBadRequest},
		{"存在しないファイル", "/api/boards/" + solios + "/devices/0/calibration", `{"path":"/nonexistent.dcf"}`, http.StatusBadRequest},
		{"未登録のデバイス", "/api/boards/" + solios + "/devices/9/calibration", `{"path":"` + replacement + `"}`, http.StatusBadRequest},
		{"差し替え", "/api/boards/" + solios + "/devices/1/calibration", `{"path":"` + replacement + `"}`, http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.do(t, http.MethodPut, tc.path, []byte(tc.body))
			if rec.Code != tc.expectedStatus {
				t.Errorf("ステータスコードが一致しません: got %d, want %d (%s)", rec.Code, tc.expectedStatus, rec.Body.String())
			}
		})
	}

	dev, err := fx.fleet.DeviceByUserID("right")
	if err != nil {
		t.Fatalf("DeviceByUserID failed: %v", err)
	}
	if dev.CalibrationPath() != replacement {
		t.Errorf("キャリブレーションが反映されていません: %s", dev.CalibrationPath())
	}
}

// TestRefresh は再検出エンドポイントをテストする
func TestRefresh(t *testing.T) {
	fx := newServerFixture(t, false)
	if err := fx.fleet.AcqStartAt(0); err != nil {
		t.Fatalf("AcqStartAt failed: %v", err)
	}

	rec := fx.do(t, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("再検出に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	dev, err := fx.fleet.Device(0)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.IsAcquiring() {
		t.Error("再検出後に取得状態が復元されていません")
	}
}

// TestCameraStream はMJPEGストリーミングをテストする
func TestCameraStream(t *testing.T) {
	fx := newServerFixture(t, true)
	if err := fx.fleet.AcqStartAll(); err != nil {
		t.Fatalf("AcqStartAll failed: %v", err)
	}

	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 購読が登録されるまでフレームを流し続ける
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = fx.worker.Round(ctx)
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/cameras/right/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ストリームへの接続に失敗しました: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Typeが一致しません: %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("フレームの読み込みに失敗しました: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Errorf("境界が一致しません: %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ヘッダーの読み込みに失敗しました: %v", err)
	}
	if strings.TrimSpace(line) != "Content-Type: image/jpeg" {
		t.Errorf("パートのContent-Typeが一致しません: %q", line)
	}
}

// TestGetStatus はステータスの集計をテストする
func TestGetStatus(t *testing.T) {
	fx := newServerFixture(t, false)
	rec := fx.do(t, http.MethodGet, "/api/status", nil)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["cameras"] != float64(2) || resp["acquiring"] != float64(0) {
		t.Errorf("ステータスが想定と異なります: %v", resp)
	}
}

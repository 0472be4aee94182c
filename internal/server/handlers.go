package server

import (
	"bytes"
	"errors"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"grabfleet/internal/camera"
	"grabfleet/internal/config"
	"grabfleet/internal/mosaic"
	"grabfleet/internal/result"
)

// Handler はFleetに対するHTTPエンドポイントを実装する
type Handler struct {
	config   *config.Config
	fleet    *camera.Fleet
	worker   *camera.Worker
	composer *mosaic.Composer
}

// CameraInfo はカメラ1台分の応答
type CameraInfo struct {
	UserID          string `json:"user_id"`
	BoardType       string `json:"board_type"`
	Descriptor      string `json:"descriptor"`
	Device          int    `json:"device"`
	Instance        int    `json:"instance"`
	Digitizer       int    `json:"digitizer"`
	CalibrationPath string `json:"calibration_path"`
	PixelFormat     string `json:"pixel_format"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	OffsetX         int    `json:"offset_x"`
	OffsetY         int    `json:"offset_y"`
	State           string `json:"state"`
	HasFrame        bool   `json:"has_frame"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Op        string    `json:"op,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	devices := h.fleet.Devices()
	acquiring := 0
	for _, dev := range devices {
		if dev.IsAcquiring() {
			acquiring++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"cameras":   len(devices),
		"acquiring": acquiring,
		"timestamp": time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	devices := h.fleet.Devices()
	cameras := make([]CameraInfo, 0, len(devices))
	for _, dev := range devices {
		cameras = append(cameras, cameraInfo(dev))
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// GetCamera はカメラ1台の情報を返す
func (h *Handler) GetCamera(c *gin.Context) {
	dev, err := h.fleet.DeviceByUserID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cameraInfo(dev))
}

// StartAcquisition は取得を開始する
func (h *Handler) StartAcquisition(c *gin.Context) {
	h.respond(c, h.fleet.AcqStartByID(c.Param("id")))
}

// StopAcquisition は取得を停止する
func (h *Handler) StopAcquisition(c *gin.Context) {
	h.respond(c, h.fleet.AcqStopByID(c.Param("id")))
}

// Trigger はソフトウェアトリガーを発行する
func (h *Handler) Trigger(c *gin.Context) {
	h.respond(c, h.fleet.TriggerByID(c.Param("id")))
}

// Refresh は全カメラを開き直す
func (h *Handler) Refresh(c *gin.Context) {
	if err := h.fleet.Refresh(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": h.fleet.Count()})
}

type replaceRequest struct {
	Path string `json:"path" binding:"required"`
}

// ReplaceCalibration はキャリブレーションファイルを差し替える
func (h *Handler) ReplaceCalibration(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_index", Message: err.Error(), Timestamp: time.Now()})
		return
	}
	var req replaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error(), Timestamp: time.Now()})
		return
	}

	if err := h.fleet.Replace(c.Param("board"), index, req.Path); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": h.fleet.Count()})
}

// GetFrame は保持中のフレームをPNGで返す
func (h *Handler) GetFrame(c *gin.Context) {
	dev, err := h.fleet.DeviceByUserID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	img, err := dev.FrameImage()
	if err != nil {
		respondError(c, err)
		return
	}
	if img == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no_frame", Message: "フレームがまだ取得されていません", Timestamp: time.Now()})
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		respondError(c, result.Wrap("GetFrame", result.SystemError, err))
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// GetMosaic は全カメラの保持中フレームを並べたJPEGを返す
func (h *Handler) GetMosaic(c *gin.Context) {
	var tiles []mosaic.Tile
	for _, dev := range h.fleet.Devices() {
		img, err := dev.FrameImage()
		if err != nil || img == nil {
			continue
		}
		tiles = append(tiles, mosaic.Tile{Name: dev.UserID(), Image: img})
	}

	data, err := h.composer.ComposeJPEG(tiles)
	if errors.Is(err, mosaic.ErrNoTiles) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no_frame", Message: err.Error(), Timestamp: time.Now()})
		return
	}
	if err != nil {
		respondError(c, result.Wrap("GetMosaic", result.SystemError, err))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetCameraStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.fleet.DeviceByUserID(id); err != nil {
		respondError(c, err)
		return
	}
	if h.worker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "stream_unavailable", Message: "取り込みワーカーが動作していません", Timestamp: time.Now()})
		return
	}

	frames := make(chan camera.Capture, 2)
	subscriber := "stream-" + uuid.NewString()
	if err := h.worker.Subscribe(subscriber, id, frames); err != nil {
		respondError(c, result.Wrap("GetCameraStream", result.SystemError, err))
		return
	}
	defer h.worker.Unsubscribe(subscriber)

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case capture := <-frames:
			err := writeJPEGPart(writer, capture)
			capture.Buffer.Release()
			if err != nil {
				log.WithField("user_id", id).WithError(err).Debug("stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

// writeJPEGPart はMJPEGの1フレーム分を書き込む
func writeJPEGPart(w gin.ResponseWriter, capture camera.Capture) error {
	img, err := capture.Buffer.Image()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return err
	}

	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err = w.Write([]byte("\r\n"))
	return err
}

// respond は操作結果を応答する
func (h *Handler) respond(c *gin.Context, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	dev, lookupErr := h.fleet.DeviceByUserID(c.Param("id"))
	if lookupErr != nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, cameraInfo(dev))
}

// respondError はエラーコードに対応するステータスで応答する
func respondError(c *gin.Context, err error) {
	code := result.CodeOf(err)
	resp := ErrorResponse{
		Error:     code.String(),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var re *result.Error
	if errors.As(err, &re) {
		resp.Op = re.Op
	}
	c.JSON(statusOf(code), resp)
}

// statusOf はエラーコードをHTTPステータスに変換する
func statusOf(code result.Code) int {
	switch code {
	case result.Success:
		return http.StatusOK
	case result.IndexOutOfRange:
		return http.StatusNotFound
	case result.ConfigFileMissing, result.ConfigDataMissing:
		return http.StatusBadRequest
	case result.DeviceAlreadyOpen, result.DeviceNotOpen, result.DeviceNotStarted,
		result.ClassDisposedError, result.UnsupportedPixelFormat:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func cameraInfo(dev *camera.Device) CameraInfo {
	return CameraInfo{
		UserID:          dev.UserID(),
		BoardType:       string(dev.BoardType()),
		Descriptor:      dev.Descriptor(),
		Device:          dev.DeviceIndex(),
		Instance:        dev.Instance(),
		Digitizer:       dev.DigitizerIndex(),
		CalibrationPath: dev.CalibrationPath(),
		PixelFormat:     string(dev.PixelFormat()),
		Width:           dev.Width(),
		Height:          dev.Height(),
		OffsetX:         dev.OffsetX(),
		OffsetY:         dev.OffsetY(),
		State:           dev.State().String(),
		HasFrame:        dev.Frame() != nil,
	}
}

package camera

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
	"grabfleet/internal/result"
)

// acquisition は1回分の取得セッション
// AcqStopで cancelled が立った後に戻ったGrabの結果は捨てる
type acquisition struct {
	buf       hardware.Buffer
	cancelled bool
	inflight  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Device は1台のカメラ（デジタイザー）を制御する
// Closed → Opened → Acquiring の順に遷移し、Dispose後は何も受け付けない
type Device struct {
	hw    hardware.Capability
	slot  Slot
	board hardware.Board

	// ライフサイクル操作を直列化する。Grabは取らない
	opMu sync.Mutex

	mu              sync.Mutex
	state           State
	userID          string
	calibrationPath string
	pixelFormat     frame.Format
	index           int
	geometry        hardware.Geometry
	digitizer       hardware.Digitizer
	acq             *acquisition
	frame           *frame.Buffer
}

// NewDevice はスロットに対応するDeviceを作成する。作成直後はClosed
func NewDevice(hw hardware.Capability, slot Slot, cfg DeviceConfig) *Device {
	return &Device{
		hw:              hw,
		slot:            slot,
		state:           StateClosed,
		userID:          cfg.UserID,
		calibrationPath: cfg.CalibrationPath,
		pixelFormat:     cfg.PixelFormat,
		index:           slot.Ordinal,
	}
}

// Open はデジタイザーを確保してOpenedへ遷移する
func (d *Device) Open() (err error) {
	defer result.Recover("Open", &err)
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	state, calib := d.state, d.calibrationPath
	d.mu.Unlock()

	if state == StateDisposed {
		return result.New("Open", result.ClassDisposedError)
	}
	if !fileExists(calib) {
		return result.Newf("Open", result.ConfigFileMissing, " %s", calib)
	}
	if state != StateClosed {
		return result.New("Open", result.DeviceAlreadyOpen)
	}

	board, err := d.slot.board.acquire()
	if err != nil {
		return result.Wrap("Open", result.HardwareError, err)
	}
	dig, err := d.hw.AllocDigitizer(board, d.slot.Index, calib)
	if err != nil {
		_ = d.slot.board.release()
		return result.Wrap("Open", result.HardwareError, err)
	}
	geo, err := d.hw.Geometry(dig)
	if err != nil {
		_ = d.hw.FreeDigitizer(dig)
		_ = d.slot.board.release()
		return result.Wrap("Open", result.HardwareError, err)
	}

	d.mu.Lock()
	d.board = board
	d.digitizer = dig
	d.geometry = geo
	d.state = StateOpened
	d.mu.Unlock()

	log.WithFields(d.logFields()).WithField("width", geo.Width).WithField("height", geo.Height).Info("camera opened")
	return nil
}

// Close は取得中なら停止し、デジタイザーを解放してClosedへ戻る
// 既にClosedなら何もしない
func (d *Device) Close() (err error) {
	defer result.Recover("Close", &err)
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	switch d.State() {
	case StateDisposed:
		return result.New("Close", result.ClassDisposedError)
	case StateClosed:
		return nil
	case StateAcquiring:
		if err := d.stopLocked(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	dig := d.digitizer
	d.mu.Unlock()

	if err := d.hw.FreeDigitizer(dig); err != nil {
		return result.Wrap("Close", result.HardwareError, err)
	}

	d.mu.Lock()
	d.digitizer = 0
	d.board = 0
	d.state = StateClosed
	d.mu.Unlock()

	// ボードは最後のデジタイザーが閉じた時点で解放される
	if err := d.slot.board.release(); err != nil {
		return result.Wrap("Close", result.HardwareError, err)
	}

	log.WithFields(d.logFields()).Info("camera closed")
	return nil
}

// AcqStart はピクセル形式に合わせた取得バッファを確保してAcquiringへ遷移する
// 既にAcquiringなら何もしない
func (d *Device) AcqStart() (err error) {
	defer result.Recover("AcqStart", &err)
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	state, format, geo, board := d.state, d.pixelFormat, d.geometry, d.board
	d.mu.Unlock()

	switch state {
	case StateDisposed:
		return result.New("AcqStart", result.ClassDisposedError)
	case StateClosed:
		return result.New("AcqStart", result.DeviceNotOpen)
	case StateAcquiring:
		return nil
	}

	channels, err := format.Channels()
	if err != nil {
		return result.Wrap("AcqStart", result.UnsupportedPixelFormat, err)
	}
	buf, err := d.hw.AllocBuffer(board, channels, geo.Width, geo.Height, hardware.BitDepth)
	if err != nil {
		return result.Wrap("AcqStart", result.HardwareError, err)
	}

	acq := &acquisition{buf: buf}
	acq.ctx, acq.cancel = context.WithCancel(context.Background())

	d.mu.Lock()
	d.acq = acq
	d.state = StateAcquiring
	d.mu.Unlock()

	log.WithFields(d.logFields()).WithField("format", string(format)).Info("acquisition started")
	return nil
}

// AcqStop は実行中のGrabを中断し、取得バッファを解放してOpenedへ戻る
// Acquiringでなければ何もしない
func (d *Device) AcqStop() (err error) {
	defer result.Recover("AcqStop", &err)
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.State() == StateDisposed {
		return result.New("AcqStop", result.ClassDisposedError)
	}
	return d.stopLocked()
}

// stopLocked はAcqStopの本体（opMu取得済み前提）
func (d *Device) stopLocked() error {
	d.mu.Lock()
	if d.state != StateAcquiring || d.acq == nil {
		d.mu.Unlock()
		return nil
	}
	acq, dig := d.acq, d.digitizer
	acq.cancelled = true
	d.mu.Unlock()

	if err := d.hw.Abort(dig); err != nil {
		// 待機中のGrabはそのまま取得を続ける
		d.mu.Lock()
		acq.cancelled = false
		d.mu.Unlock()
		return result.Wrap("AcqStop", result.HardwareError, err)
	}
	// まだハードウェアに入っていないGrabもcontext経由で止める
	acq.cancel()

	// 中断されたGrabが戻るまで待ってからバッファを解放する
	acq.inflight.Wait()
	if err := d.hw.FreeBuffer(acq.buf); err != nil {
		return result.Wrap("AcqStop", result.HardwareError, err)
	}

	d.mu.Lock()
	d.acq = nil
	d.state = StateOpened
	d.mu.Unlock()

	log.WithFields(d.logFields()).Info("acquisition stopped")
	return nil
}

// Grab は1フレームを取得して保持中のフレームを置き換える
// 待機中にAcqStopされた場合はフレームを作らずに nil を返す
func (d *Device) Grab(ctx context.Context, option hardware.TriggerOption) (err error) {
	defer result.Recover("Grab", &err)

	acq, dig, actx, err := d.beginGrab()
	if err != nil || acq == nil {
		return err
	}
	defer acq.inflight.Done()

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(actx, cancel)
	defer stop()

	grabErr := d.hw.Grab(gctx, dig, acq.buf, option)
	return d.finishGrab(ctx, acq, grabErr)
}

// beginGrab はGrab開始時の状態を検証し、実行中のGrabとして登録する
func (d *Device) beginGrab() (*acquisition, hardware.Digitizer, context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state == StateDisposed:
		return nil, 0, nil, result.New("Grab", result.ClassDisposedError)
	case d.state != StateAcquiring || d.acq == nil:
		return nil, 0, nil, result.New("Grab", result.DeviceNotStarted)
	case d.acq.cancelled:
		// 停止処理中
		return nil, 0, nil, nil
	}
	d.acq.inflight.Add(1)
	return d.acq, d.digitizer, d.acq.ctx, nil
}

// finishGrab は取り込み結果をフレームに変換する
func (d *Device) finishGrab(ctx context.Context, acq *acquisition, grabErr error) error {
	d.mu.Lock()
	if acq.cancelled {
		label := d.metricLabel()
		d.mu.Unlock()
		grabsDiscarded.WithLabelValues(label).Inc()
		log.WithFields(d.logFields()).Debug("grab discarded by acquisition stop")
		return nil
	}
	if grabErr != nil {
		d.mu.Unlock()
		if ctx.Err() != nil && errors.Is(grabErr, ctx.Err()) {
			return result.Wrap("Grab", result.SystemError, grabErr)
		}
		return result.Wrap("Grab", result.HardwareError, grabErr)
	}

	fb, err := d.materialize(acq)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	old := d.frame
	d.frame = fb
	label := d.metricLabel()
	d.mu.Unlock()

	if old != nil {
		old.Release()
	}
	framesGrabbed.WithLabelValues(label).Inc()
	return nil
}

// materialize は取得バッファの内容を新しいFrameBufferにコピーする（mu取得済み前提）
func (d *Device) materialize(acq *acquisition) (*frame.Buffer, error) {
	w, h, format := d.geometry.Width, d.geometry.Height, d.pixelFormat

	var size int
	switch {
	case format == frame.Mono8:
		size = w * h
	case format.IsBayer() && format.Supported():
		if err := d.hw.Demosaic(acq.buf, format); err != nil {
			return nil, result.Wrap("Grab", result.HardwareError, err)
		}
		size = w * h * 3
	default:
		return nil, result.Newf("Grab", result.UnsupportedPixelFormat, " %q", string(format))
	}

	raw := make([]byte, size)
	if err := d.hw.CopyOut(acq.buf, raw); err != nil {
		return nil, result.Wrap("Grab", result.HardwareError, err)
	}
	return frame.Wrap(w, h, format, raw, nil)
}

// SoftwareTrigger はソフトウェアトリガーを発行する
func (d *Device) SoftwareTrigger() (err error) {
	defer result.Recover("SoftwareTrigger", &err)

	d.mu.Lock()
	state, dig := d.state, d.digitizer
	d.mu.Unlock()

	switch state {
	case StateDisposed:
		return result.New("SoftwareTrigger", result.ClassDisposedError)
	case StateClosed:
		return result.New("SoftwareTrigger", result.DeviceNotOpen)
	}
	if err := d.hw.ActivateTrigger(dig, hardware.TriggerSoftware); err != nil {
		return result.Wrap("SoftwareTrigger", result.HardwareError, err)
	}
	return nil
}

// Dispose は必要ならCloseし、保持中のフレームを解放して破棄済みにする
// 2回目以降は何もしない
func (d *Device) Dispose() (err error) {
	defer result.Recover("Dispose", &err)
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.State() == StateDisposed {
		return nil
	}
	closeErr := d.closeLocked()
	if closeErr != nil {
		log.WithFields(d.logFields()).WithError(closeErr).Warn("close failed while disposing camera")
	}

	d.mu.Lock()
	fb := d.frame
	d.frame = nil
	d.userID = ""
	d.calibrationPath = ""
	d.index = -1
	d.geometry = hardware.Geometry{}
	d.state = StateDisposed
	d.mu.Unlock()

	if fb != nil {
		fb.Release()
	}
	return closeErr
}

// Frame は保持中のフレームを返す。所有権はDeviceに残る
// 次のGrabで置き換えられると解放される
func (d *Device) Frame() *frame.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// FrameImage は保持中のフレームの表示用画像を返す。フレームが無ければ nil
// Grabによる置き換えと競合しない
func (d *Device) FrameImage() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return nil, nil
	}
	return d.frame.Image()
}

// TakeFrame は保持中のフレームの所有権を呼び出し側へ移す
func (d *Device) TakeFrame() *frame.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb := d.frame
	d.frame = nil
	return fb
}

// State は現在の状態を返す
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsOpen はデジタイザーを確保しているか判定する
func (d *Device) IsOpen() bool {
	s := d.State()
	return s == StateOpened || s == StateAcquiring
}

// IsAcquiring は取得中か判定する
func (d *Device) IsAcquiring() bool {
	return d.State() == StateAcquiring
}

// IsDisposed は破棄済みか判定する
func (d *Device) IsDisposed() bool {
	return d.State() == StateDisposed
}

// Width は画像の幅を返す。Open前は0
func (d *Device) Width() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry.Width
}

// Height は画像の高さを返す。Open前は0
func (d *Device) Height() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry.Height
}

// OffsetX は取得領域の原点Xを返す
func (d *Device) OffsetX() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry.OffsetX
}

// OffsetY は取得領域の原点Yを返す
func (d *Device) OffsetY() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry.OffsetY
}

// PixelFormat はピクセル形式を返す
func (d *Device) PixelFormat() frame.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pixelFormat
}

// UserID はユーザー指定の識別子を返す
func (d *Device) UserID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userID
}

// CalibrationPath はキャリブレーションファイルのパスを返す
func (d *Device) CalibrationPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrationPath
}

// DeviceIndex はレジストリ上のデバイス番号を返す。Dispose後は-1
func (d *Device) DeviceIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index
}

// BoardType はボード種別を返す
func (d *Device) BoardType() hardware.BoardType {
	return hardware.ParseBoardType(d.slot.Descriptor)
}

// Descriptor はボード種別の記述子を返す
func (d *Device) Descriptor() string {
	return d.slot.Descriptor
}

// Instance は同種ボード内の番号を返す
func (d *Device) Instance() int {
	return d.slot.Instance
}

// DigitizerIndex はボード内のデジタイザー番号を返す
func (d *Device) DigitizerIndex() int {
	return d.slot.Index
}

func (d *Device) logFields() log.Fields {
	d.mu.Lock()
	defer d.mu.Unlock()
	return log.Fields{
		"board":   d.slot.Descriptor,
		"device":  d.index,
		"user_id": d.userID,
	}
}

// metricLabel はメトリクスのラベル値を返す（mu取得済み前提）
func (d *Device) metricLabel() string {
	if d.userID != "" {
		return d.userID
	}
	return d.slot.Descriptor
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

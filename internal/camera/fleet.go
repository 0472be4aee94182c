package camera

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
	"grabfleet/internal/registry"
	"grabfleet/internal/result"
)

// FleetOptions はレジストリに無いデバイスへ割り当てる既定値
type FleetOptions struct {
	DefaultCalibrationPath string       // 既定のキャリブレーションファイル
	DefaultPixelFormat     frame.Format // 既定のピクセル形式
}

// Fleet は導入済みボード上の全カメラを1つの単位として管理する
// 一括操作は先頭から順に実行し、最初の失敗で打ち切る（成功済みの操作は戻さない）
type Fleet struct {
	hw        hardware.Capability
	store     registry.Store
	discovery *Discovery
	opts      FleetOptions
	newID     func() string

	// Open/Close/Refresh/Replace を直列化する
	lifecycle sync.Mutex

	mu       sync.RWMutex
	app      hardware.App
	devices  []*Device
	disposed bool
}

// NewFleet は新しいFleetを作成する。作成直後はカメラを持たない
func NewFleet(hw hardware.Capability, store registry.Store, opts FleetOptions) *Fleet {
	if opts.DefaultPixelFormat == "" {
		opts.DefaultPixelFormat = frame.Mono8
	}
	return &Fleet{
		hw:        hw,
		store:     store,
		discovery: NewDiscovery(hw),
		opts:      opts,
		newID:     uuid.NewString,
	}
}

// Open はレジストリを読み込み、全ボードのカメラを検出して開く
// 既に管理中のカメラがあれば先に閉じる
func (f *Fleet) Open() (err error) {
	defer result.Recover("Fleet.Open", &err)
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.isDisposed() {
		return result.New("Fleet.Open", result.ClassDisposedError)
	}
	return f.openLocked()
}

func (f *Fleet) openLocked() error {
	entries, err := f.store.Load()
	if err != nil {
		return result.Wrap("Fleet.Open", result.ConfigParseError, err)
	}

	if f.Count() > 0 {
		if err := f.closeLocked(); err != nil {
			return err
		}
	}

	f.mu.Lock()
	if f.app == 0 {
		app, err := f.hw.AllocApplication()
		if err != nil {
			f.mu.Unlock()
			return result.Wrap("Fleet.Open", result.HardwareError, err)
		}
		f.app = app
	}
	app := f.app
	f.mu.Unlock()

	slots, err := f.discovery.ScanSlots(app)
	if err != nil {
		return err
	}
	// 開けなかったスロットのボードを返却する
	defer releaseSlots(slots)

	for _, slot := range slots {
		entry, repaired, err := f.resolve(&entries, slot)
		if err != nil {
			return err
		}
		if repaired {
			if err := f.store.Save(entries); err != nil {
				return result.Wrap("Fleet.Open", result.SystemError, err)
			}
		}

		dev := NewDevice(f.hw, slot, DeviceConfig{
			UserID:          entry.UserID,
			CalibrationPath: entry.CalibrationPath,
			PixelFormat:     frame.Format(entry.PixelFormat),
		})
		if err := dev.Open(); err != nil {
			log.WithFields(log.Fields{"board": slot.Descriptor, "device": slot.Ordinal}).WithError(err).Error("failed to open camera")
			return err
		}

		f.mu.Lock()
		f.devices = append(f.devices, dev)
		f.mu.Unlock()
	}

	if err := f.store.Save(entries); err != nil {
		return result.Wrap("Fleet.Open", result.SystemError, err)
	}

	log.WithField("cameras", f.Count()).Info("fleet opened")
	return nil
}

// resolve はスロットに対応するレジストリのエントリを返す
// 重複は先頭だけを残し、無ければ既定値で新しく作る。entries を書き換えた場合は repaired が true
func (f *Fleet) resolve(entries *[]registry.Entry, slot Slot) (registry.Entry, bool, error) {
	key := registry.Key{BoardType: slot.Descriptor, Device: slot.Ordinal}

	idx := registry.Find(*entries, key)
	switch {
	case len(idx) > 1:
		kept, _ := registry.Dedupe(*entries, key)
		*entries = kept
		registryRepairs.Add(float64(len(idx) - 1))
		log.WithField("key", key.String()).WithField("removed", len(idx)-1).Warn("duplicate registry entries removed")
		return kept[registry.Find(kept, key)[0]], true, nil
	case len(idx) == 1:
		return (*entries)[idx[0]], false, nil
	}

	entry := registry.Entry{
		BoardType:       slot.Descriptor,
		Device:          slot.Ordinal,
		UserID:          f.newID(),
		CalibrationPath: f.opts.DefaultCalibrationPath,
		PixelFormat:     string(f.opts.DefaultPixelFormat),
	}
	*entries = append(*entries, entry)
	log.WithField("key", key.String()).WithField("user_id", entry.UserID).Info("registry entry created")
	return entry, true, nil
}

// Close は全カメラを順に閉じ、管理対象から外す
// 途中で失敗した場合はそのエラーを返し、残りのカメラはそのまま残る
func (f *Fleet) Close() (err error) {
	defer result.Recover("Fleet.Close", &err)
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.isDisposed() {
		return result.New("Fleet.Close", result.ClassDisposedError)
	}
	return f.closeLocked()
}

func (f *Fleet) closeLocked() error {
	devices := f.Devices()
	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.devices = nil
	app := f.app
	f.app = 0
	f.mu.Unlock()

	for _, dev := range devices {
		_ = dev.Dispose()
	}

	if app != 0 {
		if err := f.hw.FreeApplication(app); err != nil {
			return result.Wrap("Fleet.Close", result.HardwareError, err)
		}
	}
	if len(devices) > 0 {
		log.WithField("cameras", len(devices)).Info("fleet closed")
	}
	return nil
}

// Refresh は全カメラを閉じて開き直す
// 台数が変わらなければ、取得中だった位置のカメラの取得を再開する
func (f *Fleet) Refresh() (err error) {
	defer result.Recover("Fleet.Refresh", &err)
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.isDisposed() {
		return result.New("Fleet.Refresh", result.ClassDisposedError)
	}
	return f.refreshLocked()
}

func (f *Fleet) refreshLocked() error {
	before := f.Devices()
	acquiring := make([]bool, len(before))
	for i, dev := range before {
		acquiring[i] = dev.IsAcquiring()
	}

	if err := f.closeLocked(); err != nil {
		return err
	}
	if err := f.openLocked(); err != nil {
		return err
	}

	after := f.Devices()
	if len(after) != len(before) {
		log.WithFields(log.Fields{"before": len(before), "after": len(after)}).Warn("camera count changed, acquisition not restored")
		return nil
	}

	var firstErr error
	for i, dev := range after {
		if !acquiring[i] {
			continue
		}
		if err := dev.AcqStart(); err != nil {
			log.WithField("user_id", dev.UserID()).WithError(err).Error("failed to restart acquisition")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Replace は指定カメラのキャリブレーションファイルを差し替えて開き直す
// ファイルが無い場合はレジストリを変更しない
func (f *Fleet) Replace(boardType string, device int, calibrationPath string) (err error) {
	defer result.Recover("Fleet.Replace", &err)

	if !fileExists(calibrationPath) {
		return result.Newf("Fleet.Replace", result.ConfigFileMissing, " %s", calibrationPath)
	}

	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.isDisposed() {
		return result.New("Fleet.Replace", result.ClassDisposedError)
	}

	entries, err := f.store.Load()
	if err != nil {
		return result.Wrap("Fleet.Replace", result.ConfigParseError, err)
	}

	key := registry.Key{BoardType: boardType, Device: device}
	if len(registry.Find(entries, key)) == 0 {
		return result.Newf("Fleet.Replace", result.ConfigDataMissing, " %s", key)
	}
	entries, _ = registry.Dedupe(entries, key)
	entries[registry.Find(entries, key)[0]].CalibrationPath = calibrationPath

	if err := f.store.Save(entries); err != nil {
		return result.Wrap("Fleet.Replace", result.SystemError, err)
	}
	log.WithField("key", key.String()).WithField("calibration", calibrationPath).Info("calibration replaced")

	return f.refreshLocked()
}

// Dispose は全カメラを閉じて破棄する。2回目以降は何もしない
func (f *Fleet) Dispose() (err error) {
	defer result.Recover("Fleet.Dispose", &err)
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.isDisposed() {
		return nil
	}
	err = f.closeLocked()

	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
	return err
}

// AcqStartAll は全カメラの取得を開始する
func (f *Fleet) AcqStartAll() error {
	return f.each("AcqStartAll", func(d *Device) error { return d.AcqStart() })
}

// AcqStartAt は指定位置のカメラの取得を開始する
func (f *Fleet) AcqStartAt(idx int) error {
	return f.at("AcqStartAt", idx, func(d *Device) error { return d.AcqStart() })
}

// AcqStartByID はユーザー識別子に一致するカメラの取得を開始する
func (f *Fleet) AcqStartByID(userID string) error {
	return f.byID("AcqStartByID", userID, func(d *Device) error { return d.AcqStart() })
}

// AcqStopAll は全カメラの取得を停止する
func (f *Fleet) AcqStopAll() error {
	return f.each("AcqStopAll", func(d *Device) error { return d.AcqStop() })
}

// AcqStopAt は指定位置のカメラの取得を停止する
func (f *Fleet) AcqStopAt(idx int) error {
	return f.at("AcqStopAt", idx, func(d *Device) error { return d.AcqStop() })
}

// AcqStopByID はユーザー識別子に一致するカメラの取得を停止する
func (f *Fleet) AcqStopByID(userID string) error {
	return f.byID("AcqStopByID", userID, func(d *Device) error { return d.AcqStop() })
}

// GrabAll は全カメラで1フレームずつ取得する
func (f *Fleet) GrabAll(ctx context.Context, option hardware.TriggerOption) error {
	return f.each("GrabAll", func(d *Device) error { return d.Grab(ctx, option) })
}

// GrabAt は指定位置のカメラで1フレーム取得する
func (f *Fleet) GrabAt(ctx context.Context, idx int, option hardware.TriggerOption) error {
	return f.at("GrabAt", idx, func(d *Device) error { return d.Grab(ctx, option) })
}

// GrabByID はユーザー識別子に一致するカメラで1フレーム取得する
func (f *Fleet) GrabByID(ctx context.Context, userID string, option hardware.TriggerOption) error {
	return f.byID("GrabByID", userID, func(d *Device) error { return d.Grab(ctx, option) })
}

// TriggerByID はユーザー識別子に一致するカメラへソフトウェアトリガーを発行する
func (f *Fleet) TriggerByID(userID string) error {
	return f.byID("TriggerByID", userID, func(d *Device) error { return d.SoftwareTrigger() })
}

// Count は管理中のカメラ数を返す
func (f *Fleet) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.devices)
}

// Devices は管理中のカメラ一覧のコピーを返す
func (f *Fleet) Devices() []*Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*Device(nil), f.devices...)
}

// Device は指定位置のカメラを返す
func (f *Fleet) Device(idx int) (*Device, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.disposed {
		return nil, result.New("Device", result.ClassDisposedError)
	}
	if idx < 0 || idx >= len(f.devices) {
		return nil, result.Newf("Device", result.IndexOutOfRange, " %d", idx)
	}
	return f.devices[idx], nil
}

// DeviceByUserID はユーザー識別子に一致するカメラを返す
// 一致が0件または複数件の場合は IndexOutOfRange
func (f *Fleet) DeviceByUserID(userID string) (*Device, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.disposed {
		return nil, result.New("DeviceByUserID", result.ClassDisposedError)
	}

	var found *Device
	matches := 0
	for _, dev := range f.devices {
		if dev.UserID() == userID {
			found = dev
			matches++
		}
	}
	if matches != 1 {
		return nil, result.Newf("DeviceByUserID", result.IndexOutOfRange, " %q matched %d cameras", userID, matches)
	}
	return found, nil
}

// IsDisposed は破棄済みか判定する
func (f *Fleet) IsDisposed() bool {
	return f.isDisposed()
}

func (f *Fleet) isDisposed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.disposed
}

// each は全カメラへ順に操作を適用し、最初の失敗で打ち切る
func (f *Fleet) each(op string, fn func(*Device) error) (err error) {
	defer result.Recover(op, &err)
	if f.isDisposed() {
		return result.New(op, result.ClassDisposedError)
	}
	for _, dev := range f.Devices() {
		if err := fn(dev); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fleet) at(op string, idx int, fn func(*Device) error) (err error) {
	defer result.Recover(op, &err)
	dev, err := f.Device(idx)
	if err != nil {
		return err
	}
	return fn(dev)
}

func (f *Fleet) byID(op string, userID string, fn func(*Device) error) (err error) {
	defer result.Recover(op, &err)
	dev, err := f.DeviceByUserID(userID)
	if err != nil {
		return err
	}
	return fn(dev)
}

package camera

import (
	"fmt"
	"sync"

	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
)

// State はカメラデバイスのライフサイクル状態を表す
type State int

const (
	StateClosed    State = iota // デジタイザー未確保
	StateOpened                 // デジタイザー確保済み
	StateAcquiring              // 取得バッファ確保済み
	StateDisposed               // 破棄済み（終端）
)

var stateNames = map[State]string{
	StateClosed:    "closed",
	StateOpened:    "opened",
	StateAcquiring: "acquiring",
	StateDisposed:  "disposed",
}

// String は状態名を返す
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DeviceConfig はカメラデバイスの識別情報
type DeviceConfig struct {
	UserID          string       // ユーザー指定の識別子
	CalibrationPath string       // キャリブレーションファイルのパス
	PixelFormat     frame.Format // ピクセル形式
}

// Slot はボード上のデジタイザー1つ分の物理的な位置
type Slot struct {
	Descriptor string // ボード種別の記述子
	Instance   int    // 同種ボード内の番号
	Index      int    // ボード内のデジタイザー番号
	Ordinal    int    // 同種ボード全体での通し番号。レジストリのデバイス番号に使う
	board      *boardRef
}

// boardRef は同じボード上のデジタイザーで共有するボードハンドル
// 最後の利用者が解放した時点でハンドルを返却する
type boardRef struct {
	hw         hardware.Capability
	app        hardware.App
	descriptor string
	instance   int

	mu     sync.Mutex
	handle hardware.Board
	refs   int
}

// acquire は参照を1つ増やしてハンドルを返す。未確保なら確保し直す
func (b *boardRef) acquire() (hardware.Board, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == 0 {
		handle, err := b.hw.AllocBoard(b.app, b.descriptor, b.instance)
		if err != nil {
			return 0, err
		}
		b.handle = handle
	}
	b.refs++
	return b.handle, nil
}

// release は参照を1つ減らし、誰も使わなくなればハンドルを解放する
func (b *boardRef) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs > 0 {
		b.refs--
	}
	return b.freeUnusedLocked()
}

// drop は利用者がいなければハンドルを解放する
func (b *boardRef) drop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeUnusedLocked()
}

// freeUnusedLocked は参照のないハンドルを解放する（ロック済み前提）
func (b *boardRef) freeUnusedLocked() error {
	if b.refs > 0 || b.handle == 0 {
		return nil
	}
	handle := b.handle
	b.handle = 0
	return b.hw.FreeBoard(handle)
}

// Package hardware はフレームグラバーボードへのアクセス機能を抽象化する
//
// # 責務
// - ベンダーSDKが提供する操作をインターフェースとして定義する
// - ボード種別・トリガーオプションなど、ハードウェア層の語彙を定義する
// - 実機なしで状態機械を動かすためのシミュレーターを提供する
//
// # 仕様
// - ハンドルはすべて不透明な整数値。0は未割り当てを表す
// - Grab はフレームが届くか、Abort されるか、コンテキストが終了するまでブロックする
// - このパッケージが返すエラーはネイティブのメッセージをそのまま持つ
package hardware

import (
	"context"
	"errors"
	"fmt"

	"grabfleet/internal/frame"
)

// App はアプリケーションハンドル
type App uint64

// Board はボードハンドル
type Board uint64

// Digitizer はデジタイザーハンドル
type Digitizer uint64

// Buffer は取得バッファハンドル
type Buffer uint64

// BitDepth は取得バッファのビット深度
const BitDepth = 8

// ErrAborted はGrabが中断されたことを表す
var ErrAborted = errors.New("grab aborted")

// Geometry はデジタイザーから読み出す画像の形状
type Geometry struct {
	Width   int
	Height  int
	OffsetX int
	OffsetY int
}

// TriggerOption は取得時のトリガー方式
type TriggerOption int

const (
	TriggerContinuous TriggerOption = iota // フリーラン
	TriggerSoftware                        // ソフトウェアトリガー
	TriggerHardware                        // ハードウェア信号
)

var triggerNames = map[TriggerOption]string{
	TriggerContinuous: "continuous",
	TriggerSoftware:   "software",
	TriggerHardware:   "hardware",
}

// String はトリガー方式の名前を返す
func (t TriggerOption) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TriggerOption(%d)", int(t))
}

// ParseTriggerOption は名前からトリガー方式を得る
func ParseTriggerOption(s string) (TriggerOption, error) {
	for opt, name := range triggerNames {
		if name == s {
			return opt, nil
		}
	}
	return TriggerContinuous, fmt.Errorf("unknown trigger option: %q", s)
}

// Capability はボード・デジタイザー・バッファを操作する機能
type Capability interface {
	// AllocApplication はアプリケーションハンドルを確保する
	AllocApplication() (App, error)
	// FreeApplication はアプリケーションハンドルを解放する
	FreeApplication(app App) error

	// InstalledBoards は導入済みボード種別の記述子を返す
	InstalledBoards(app App) ([]string, error)
	// AllocBoard は指定種別のinstance番目のボードを確保する
	// 失敗は空きスロットの合図として扱われる
	AllocBoard(app App, descriptor string, instance int) (Board, error)
	// FreeBoard はボードハンドルを解放する
	FreeBoard(board Board) error
	// DigitizerCount はボード上のデジタイザー数を返す
	DigitizerCount(board Board) (int, error)

	// AllocDigitizer はキャリブレーションファイルを指定してデジタイザーを確保する
	AllocDigitizer(board Board, index int, calibrationPath string) (Digitizer, error)
	// FreeDigitizer はデジタイザーを解放する
	FreeDigitizer(dig Digitizer) error
	// Geometry は幅・高さ・取得原点を読み出す
	Geometry(dig Digitizer) (Geometry, error)

	// AllocBuffer は取得バッファを確保する
	AllocBuffer(board Board, channels, width, height, bitDepth int) (Buffer, error)
	// FreeBuffer は取得バッファを解放する
	FreeBuffer(buf Buffer) error

	// ActivateTrigger はトリガーを有効化する
	ActivateTrigger(dig Digitizer, option TriggerOption) error
	// Grab は1フレームを取得バッファに取り込む
	Grab(ctx context.Context, dig Digitizer, buf Buffer, option TriggerOption) error
	// Abort は実行中のGrabを中断して停止する
	Abort(dig Digitizer) error

	// Demosaic は取得バッファを指定のBayer配列でデモザイクする
	Demosaic(buf Buffer, order frame.Format) error
	// CopyOut は取得バッファの内容をdstへコピーする
	CopyOut(buf Buffer, dst []byte) error
}

// Package result はカメラ制御全体で使うエラー分類と伝搬用の結果型を提供する
//
// # 責務
// - 閉じたエラーコード体系の定義
// - 発生元の操作名・メッセージ・トレースを持つ結果型の生成
// - ハードウェア層のpanicを結果型に変換し、コンポーネント境界を越えさせない
//
// # 仕様
// - nil の error を Success として扱う
// - 境界を越えて返すエラーは常に *Error
package result

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Code はエラーコードを表す
type Code int16

// 汎用エラー
const (
	Success            Code = 0
	SystemError        Code = -10
	ClassDisposedError Code = -20
)

// ハードウェア・カメラ関連エラー
const (
	HardwareError          Code = -100
	ConfigFileMissing      Code = -101
	DeviceAlreadyOpen      Code = -102
	DeviceNotOpen          Code = -103
	DeviceNotStarted       Code = -104
	UnsupportedPixelFormat Code = -105
	IndexOutOfRange        Code = -106
)

// レジストリ関連エラー
const (
	ConfigParseError  Code = -201
	ConfigDataMissing Code = -202
)

var codeNames = map[Code]string{
	Success:                "Success",
	SystemError:            "SystemError",
	ClassDisposedError:     "ClassDisposedError",
	HardwareError:          "HardwareError",
	ConfigFileMissing:      "ConfigFileMissing",
	DeviceAlreadyOpen:      "DeviceAlreadyOpen",
	DeviceNotOpen:          "DeviceNotOpen",
	DeviceNotStarted:       "DeviceNotStarted",
	UnsupportedPixelFormat: "UnsupportedPixelFormat",
	IndexOutOfRange:        "IndexOutOfRange",
	ConfigParseError:       "ConfigParseError",
	ConfigDataMissing:      "ConfigDataMissing",
}

var codeMessages = map[Code]string{
	Success:                "Success.",
	SystemError:            "System Err - ",
	ClassDisposedError:     "Common Err - This class is disposed.",
	HardwareError:          "CAM - hardware error : ",
	ConfigFileMissing:      "CAM - Not exists the calibration file.",
	DeviceAlreadyOpen:      "CAM - Cam is already opened.",
	DeviceNotOpen:          "CAM - Cam wasn't opened.",
	DeviceNotStarted:       "CAM - Cam didn't start.",
	UnsupportedPixelFormat: "CAM - Cam doesn't support this pixel format.",
	IndexOutOfRange:        "CAM - Camera index (or user id) Not exists.",
	ConfigParseError:       "REGISTRY - Wrong parsed data.",
	ConfigDataMissing:      "REGISTRY - Device number (or board type) not exists.",
}

// String はコード名を返す
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int16(c))
}

// Message はコードに対応する定型メッセージを返す
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Not Defined Err."
}

// Error は操作の失敗を表す結果型
type Error struct {
	Op      string // 発生元の操作名
	Code    Code   // 主エラーコード
	Inner   *Code  // 内部エラーコード（任意）
	Message string // 表示用メッセージ
	Trace   string // 発生箇所（file:line）
	cause   error
}

// Error はerrorインターフェースを実装する
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

// Unwrap は元になったエラーを返す
func (e *Error) Unwrap() error {
	return e.cause
}

// Is はコードが一致する *Error を同一とみなす
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New は定型メッセージのみを持つ結果を生成する
func New(op string, code Code) *Error {
	return &Error{
		Op:      op,
		Code:    code,
		Message: code.Message(),
		Trace:   trace(2),
	}
}

// Newf は定型メッセージに詳細を付け加えた結果を生成する
func Newf(op string, code Code, format string, args ...interface{}) *Error {
	return &Error{
		Op:      op,
		Code:    code,
		Message: code.Message() + fmt.Sprintf(format, args...),
		Trace:   trace(2),
	}
}

// Wrap は下位層のエラーを結果に変換する
// 既に *Error の場合はコードと発生箇所を保ち、操作名を op に付け替える
// 元の操作名はメッセージの先頭に残る
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		if re.Op == op || op == "" {
			return re
		}
		return &Error{
			Op:      op,
			Code:    re.Code,
			Inner:   re.Inner,
			Message: re.Error(),
			Trace:   re.Trace,
			cause:   re,
		}
	}
	return &Error{
		Op:      op,
		Code:    code,
		Message: code.Message() + err.Error(),
		Trace:   trace(2),
		cause:   err,
	}
}

// WithInner は内部エラーコードを設定した結果を返す
func (e *Error) WithInner(inner Code) *Error {
	e.Inner = &inner
	return e
}

// CodeOf はエラーのコードを返す
// nil は Success、分類外のエラーは SystemError になる
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return SystemError
}

// IsSuccess はエラーが成功を表すか判定する
func IsSuccess(err error) bool {
	return CodeOf(err) == Success
}

// Recover はpanicを SystemError の結果に変換する
// defer result.Recover("Op", &err) の形で使う
func Recover(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	*errp = &Error{
		Op:      op,
		Code:    SystemError,
		Message: SystemError.Message() + fmt.Sprint(r),
		Trace:   trace(3),
	}
}

// trace は呼び出し元の file:line を返す
func trace(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

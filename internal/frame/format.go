package frame

import (
	"strings"

	"grabfleet/internal/result"
)

// Format はRaw画像のピクセル形式タグ
type Format string

const (
	Mono8   Format = "Mono 8"
	BayerRG Format = "Bayer RG"
	BayerGR Format = "Bayer GR"
	BayerGB Format = "Bayer GB"
	BayerBG Format = "Bayer BG"
)

// Formats はフレームとして実体化できる形式の一覧
var Formats = []Format{Mono8, BayerRG, BayerGR, BayerGB, BayerBG}

// IsMono はモノクロ系の形式か判定する
func (f Format) IsMono() bool {
	return strings.HasPrefix(string(f), "Mono")
}

// IsBayer はBayer系の形式か判定する
func (f Format) IsBayer() bool {
	return strings.HasPrefix(string(f), "Bayer")
}

// Channels は取得バッファのチャンネル数を返す
// モノクロ系は1、Bayer系はデモザイク後の3
func (f Format) Channels() (int, error) {
	switch {
	case f.IsMono():
		return 1, nil
	case f.IsBayer():
		return 3, nil
	default:
		return 0, result.Newf("Channels", result.UnsupportedPixelFormat, " (%q)", string(f))
	}
}

// Supported はフレームとして実体化できる形式か判定する
func (f Format) Supported() bool {
	for _, s := range Formats {
		if s == f {
			return true
		}
	}
	return false
}

// Size は指定サイズのRawバイト長を返す
func (f Format) Size(width, height int) (int, error) {
	if !f.Supported() {
		return 0, result.Newf("Size", result.UnsupportedPixelFormat, " (%q)", string(f))
	}
	if f == Mono8 {
		return width * height, nil
	}
	return width * height * 3, nil
}

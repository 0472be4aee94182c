// Package frame は取得したRaw画像と、その表示用表現を扱う
//
// # 責務
// - Raw画素メモリの所有と一度だけの解放
// - ピクセル形式ごとの表示用画像の遅延生成とキャッシュ
//
// # 仕様
// - Rawバイト長は (幅, 高さ, 形式) から一意に決まる
// - 表示用画像は初回アクセス時に一度だけ生成し、以後は同じインスタンスを返す
// - 表示用画像の生成はRawバイト列を変更しない
package frame

import (
	"image"
	"image/color"
	"runtime"
	"sync"

	"grabfleet/internal/result"
)

// Buffer は取得した1フレーム分のRaw画像
type Buffer struct {
	width  int
	height int
	format Format

	mu       sync.Mutex
	raw      []byte
	display  image.Image
	released bool
	release  func()
}

// New はRawバイト列をコピーしてBufferを作成する
func New(width, height int, format Format, raw []byte) (*Buffer, error) {
	owned := make([]byte, len(raw))
	copy(owned, raw)
	return Wrap(width, height, format, owned, nil)
}

// Wrap はRawバイト列をコピーせずに所有してBufferを作成する
// release はBufferの解放時に一度だけ呼ばれる
func Wrap(width, height int, format Format, raw []byte, release func()) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, result.Newf("frame.New", result.SystemError, "invalid geometry %dx%d", width, height)
	}
	size, err := format.Size(width, height)
	if err != nil {
		return nil, result.Wrap("frame.New", result.UnsupportedPixelFormat, err)
	}
	if len(raw) != size {
		return nil, result.Newf("frame.New", result.SystemError,
			"wrong frame length (exp: %d, read %d)", size, len(raw))
	}

	b := &Buffer{
		width:   width,
		height:  height,
		format:  format,
		raw:     raw,
		release: release,
	}
	if release != nil {
		// 解放し忘れたネイティブメモリの保険
		runtime.SetFinalizer(b, func(b *Buffer) { b.Release() })
	}
	return b, nil
}

// Width は画像の幅を返す
func (b *Buffer) Width() int { return b.width }

// Height は画像の高さを返す
func (b *Buffer) Height() int { return b.height }

// Format はピクセル形式を返す
func (b *Buffer) Format() Format { return b.format }

// Raw はRawバイト列を返す。解放後はnil
// 返したスライスを書き換えてはならない
func (b *Buffer) Raw() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw
}

// Released は解放済みか判定する
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Image は表示用画像を返す
// Mono 8 は *image.Paletted、Bayer系は *BGR24
func (b *Buffer) Image() (image.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil, result.New("frame.Image", result.ClassDisposedError)
	}
	if b.display != nil {
		return b.display, nil
	}

	rect := image.Rect(0, 0, b.width, b.height)
	switch {
	case b.format == Mono8:
		img := image.NewPaletted(rect, GrayPalette())
		copy(img.Pix, b.raw)
		b.display = img
	case b.format.IsBayer():
		img := NewBGR24(rect)
		copy(img.Pix, b.raw)
		b.display = img
	default:
		return nil, result.Newf("frame.Image", result.UnsupportedPixelFormat, " (%q)", string(b.format))
	}

	return b.display, nil
}

// Release はRawメモリを解放する。二回目以降は何もしない
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return
	}
	b.released = true
	b.raw = nil
	b.display = nil
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// GrayPalette は0から255までの線形グレースケールパレットを返す
func GrayPalette() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}

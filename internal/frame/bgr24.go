package frame

import (
	"image"
	"image/color"
)

// BGR24 はB,G,Rの順に詰めた24bitカラー画像
type BGR24 struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewBGR24 は空のBGR24画像を作成する
func NewBGR24(r image.Rectangle) *BGR24 {
	return &BGR24{
		Pix:    make([]uint8, 3*r.Dx()*r.Dy()),
		Stride: 3 * r.Dx(),
		Rect:   r,
	}
}

// ColorModel は image.Image を実装する
func (p *BGR24) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds は image.Image を実装する
func (p *BGR24) Bounds() image.Rectangle {
	return p.Rect
}

// At は image.Image を実装する
func (p *BGR24) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xFF}
}

// PixOffset は(x, y)の画素の先頭インデックスを返す
func (p *BGR24) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

// Package mosaic は複数カメラのフレームを1枚の画像に並べる
package mosaic

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
)

// ErrNoTiles は並べる画像が無いことを表す
var ErrNoTiles = errors.New("結合するフレームがありません")

// Tile はカメラ1台分の画像
type Tile struct {
	Name  string
	Image image.Image
}

// Composer は複数カメラの画像を格子状に結合する
type Composer struct {
	outputWidth  int
	outputHeight int
	quality      int
}

// NewComposer は新しいComposerを作成する
// quality は1-5で、JPEGの品質20-100に対応する
func NewComposer(outputWidth, outputHeight, quality int) *Composer {
	if quality < 1 {
		quality = 1
	}
	if quality > 5 {
		quality = 5
	}
	return &Composer{
		outputWidth:  outputWidth,
		outputHeight: outputHeight,
		quality:      quality,
	}
}

// Compose は名前順に画像を並べた1枚の画像を返す
func (c *Composer) Compose(tiles []Tile) (*image.RGBA, error) {
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}

	// 名前でソートしてカメラ位置を固定
	sorted := append([]Tile(nil), tiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	layout := c.calculateLayout(len(sorted))
	out := image.NewRGBA(image.Rect(0, 0, c.outputWidth, c.outputHeight))
	for i, tile := range sorted {
		c.drawImageAt(out, tile.Image, c.calculatePosition(i, layout))
	}
	return out, nil
}

// ComposeJPEG は結合した画像をJPEGにエンコードする
func (c *Composer) ComposeJPEG(tiles []Tile) ([]byte, error) {
	img, err := c.Compose(tiles)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality * 20}); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// Layout はレイアウト情報
type Layout struct {
	Cols       int
	Rows       int
	CellWidth  int
	CellHeight int
}

// calculateLayout は画像数に基づいてレイアウトを計算する
func (c *Composer) calculateLayout(count int) Layout {
	var cols, rows int

	switch count {
	case 1:
		cols, rows = 1, 1
	case 2:
		cols, rows = 2, 1
	case 3, 4:
		cols, rows = 2, 2 // 3つの場合は1つ空き
	default:
		cols = int(float64(count)*0.6) + 1 // 横を多めに
		rows = (count + cols - 1) / cols
	}

	return Layout{
		Cols:       cols,
		Rows:       rows,
		CellWidth:  c.outputWidth / cols,
		CellHeight: c.outputHeight / rows,
	}
}

// Position は配置位置
type Position struct {
	X, Y          int
	Width, Height int
}

func (c *Composer) calculatePosition(index int, layout Layout) Position {
	row := index / layout.Cols
	col := index % layout.Cols

	return Position{
		X:      col * layout.CellWidth,
		Y:      row * layout.CellHeight,
		Width:  layout.CellWidth,
		Height: layout.CellHeight,
	}
}

// drawImageAt はニアレストネイバー法でリサイズしながら画像を配置する
func (c *Composer) drawImageAt(dst *image.RGBA, src image.Image, pos Position) {
	b := src.Bounds()
	srcWidth, srcHeight := b.Dx(), b.Dy()
	if srcWidth == 0 || srcHeight == 0 {
		return
	}

	for y := 0; y < pos.Height; y++ {
		for x := 0; x < pos.Width; x++ {
			srcX := x * srcWidth / pos.Width
			srcY := y * srcHeight / pos.Height
			dst.Set(pos.X+x, pos.Y+y, src.At(b.Min.X+srcX, b.Min.Y+srcY))
		}
	}
}

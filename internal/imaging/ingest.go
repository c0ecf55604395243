// Package imaging はアップロード画像の正規化とプロフィール画像の生成を行う。
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// 対応する入力形式のデコーダを登録する
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
)

var (
	// ErrTooLarge は入力がサイズ上限を超えていることを表す。
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrUnsupported は入力が対応する画像形式でないことを表す。
	ErrUnsupported = errors.New("unsupported image format")
	// ErrTooManyPixels は画像の画素数が上限を超えていることを表す。
	ErrTooManyPixels = errors.New("image dimensions exceed limit")
	// ErrCorrupt は画像のデコードに失敗したことを表す。
	ErrCorrupt = errors.New("image data is corrupt")
)

// Options は正規化のパラメータ。
type Options struct {
	MaxBytes  int
	MaxPixels int
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// DefaultOptions は既定値を返す。
// 10 MiBまでの入力を受け付け、1000x1000に収まるJPEG（品質90）に変換する。
func DefaultOptions() Options {
	return Options{
		MaxBytes:  10 * 1024 * 1024,
		MaxPixels: 40_000_000,
		MaxWidth:  1000,
		MaxHeight: 1000,
		Quality:   90,
	}
}

// Ingester はアップロード画像を保存用のJPEGに変換する。状態を持たない。
type Ingester struct {
	opts Options
}

// NewIngester はIngesterを生成する。
func NewIngester(opts Options) *Ingester {
	return &Ingester{opts: opts}
}

// Ingest は任意形式の画像を縦横比を保ったまま上限サイズに収まるよう拡大または縮小し、JPEGで返す。
// 透過部分は白で塗りつぶす。上限を超える入力は切り詰めずに拒否する。
func (in *Ingester) Ingest(raw []byte) ([]byte, error) {
	if len(raw) > in.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrCorrupt)
	}
	if cfg.Width > in.opts.MaxPixels/cfg.Height {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), in.opts.MaxWidth, in.opts.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: in.opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin は縦横比を保ったまま maxW x maxH に収まる最大の寸法を返す。
func fitWithin(w, h, maxW, maxH int) (int, int) {
	// w/h と maxW/maxH を比較して制約の厳しい辺に合わせる
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

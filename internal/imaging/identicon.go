package imaging

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"

	"github.com/issue9/identicon/v2"
)

// identiconSize はプロフィール画像の一辺のピクセル数。
const identiconSize = 250

var (
	identiconBack = color.NRGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}

	// 前景色はシードのハッシュでこの中から選ばれる
	identiconFore = []color.Color{
		color.NRGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff},
		color.NRGBA{R: 0x8e, G: 0x24, B: 0xaa, A: 0xff},
		color.NRGBA{R: 0x39, G: 0x49, B: 0xab, A: 0xff},
		color.NRGBA{R: 0x03, G: 0x9b, B: 0xe5, A: 0xff},
		color.NRGBA{R: 0x00, G: 0x89, B: 0x7b, A: 0xff},
		color.NRGBA{R: 0x7c, G: 0xb3, B: 0x42, A: 0xff},
		color.NRGBA{R: 0xfb, G: 0x8c, B: 0x00, A: 0xff},
		color.NRGBA{R: 0x6d, G: 0x4c, B: 0x41, A: 0xff},
	}
)

// Identicon はシード文字列から決定的なプロフィール画像（PNG, 250x250）を生成する。
// 同じシードからは常に同じバイト列が得られる。
func Identicon(seed string) ([]byte, error) {
	gen := identicon.New(identicon.Style1, identiconSize, identiconBack, identiconFore...)
	img := gen.Make([]byte(seed))

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode identicon: %w", err)
	}
	return buf.Bytes(), nil
}

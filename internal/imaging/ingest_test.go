package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output must be JPEG: %v", err)
	}
	return img
}

func assertSize(t *testing.T, img image.Image, wantW, wantH int) {
	t.Helper()
	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != wantW || h != wantH {
		t.Errorf("size = %dx%d, want %dx%d", w, h, wantW, wantH)
	}
}

func TestIngest_UpscalesSmallImage(t *testing.T) {
	in := NewIngester(DefaultOptions())
	raw := encodePNG(t, 16, 16, color.NRGBA{R: 200, A: 255})

	out, err := in.Ingest(raw)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	assertSize(t, decodeJPEG(t, out), 1000, 1000)
	if len(out) <= len(raw) {
		t.Errorf("len(out) = %d, want more than input %d", len(out), len(raw))
	}
}

func TestIngest_PreservesAspectRatio(t *testing.T) {
	in := NewIngester(DefaultOptions())

	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"wide downscale", 2000, 500, 1000, 250},
		{"tall upscale", 50, 100, 500, 1000},
		{"square", 300, 300, 1000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := in.Ingest(encodePNG(t, tt.w, tt.h, color.Black))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			assertSize(t, decodeJPEG(t, out), tt.wantW, tt.wantH)
		})
	}
}

func TestIngest_TransparentBecomesWhite(t *testing.T) {
	in := NewIngester(DefaultOptions())
	out, err := in.Ingest(encodePNG(t, 10, 10, color.NRGBA{}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	r, g, b, _ := decodeJPEG(t, out).At(500, 500).RGBA()
	if r>>8 <= 240 || g>>8 <= 240 || b>>8 <= 240 {
		t.Errorf("center pixel = (%d,%d,%d), want near white", r>>8, g>>8, b>>8)
	}
}

func TestIngest_AcceptsGIF(t *testing.T) {
	in := NewIngester(DefaultOptions())
	pal := image.NewPaletted(image.Rect(0, 0, 8, 4), []color.Color{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, pal, nil); err != nil {
		t.Fatalf("gif.Encode: %v", err)
	}

	out, err := in.Ingest(buf.Bytes())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	assertSize(t, decodeJPEG(t, out), 1000, 500)
}

func TestIngest_Rejects(t *testing.T) {
	small := DefaultOptions()
	small.MaxBytes = 100

	fewPixels := DefaultOptions()
	fewPixels.MaxPixels = 100

	// ヘッダは正しいが本体が欠けている
	truncated := encodePNG(t, 64, 64, color.Black)[:40]

	tests := []struct {
		name string
		opts Options
		raw  []byte
		want error
	}{
		{"too large", small, make([]byte, 101), ErrTooLarge},
		{"not an image", DefaultOptions(), []byte("definitely not an image"), ErrUnsupported},
		{"empty", DefaultOptions(), nil, ErrUnsupported},
		{"corrupt", DefaultOptions(), truncated, ErrCorrupt},
		{"too many pixels", fewPixels, encodePNG(t, 20, 20, color.Black), ErrTooManyPixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewIngester(tt.opts).Ingest(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if out != nil {
				t.Error("rejected input should produce no output")
			}
		})
	}
}

func TestIngest_LimitIsInclusive(t *testing.T) {
	raw := encodePNG(t, 4, 4, color.Black)
	opts := DefaultOptions()
	opts.MaxBytes = len(raw)

	if _, err := NewIngester(opts).Ingest(raw); err != nil {
		t.Errorf("input exactly at the limit should be accepted: %v", err)
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{3000, 1, 1000, 1},
		{1, 3000, 1, 1000},
		{500, 250, 1000, 500},
	}
	for _, tt := range tests {
		if w, h := fitWithin(tt.w, tt.h, 1000, 1000); w != tt.wantW || h != tt.wantH {
			t.Errorf("fitWithin(%d, %d) = %d, %d, want %d, %d", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
		}
	}
}

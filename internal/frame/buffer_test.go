package frame

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"grabfleet/internal/result"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestNew_RoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		width  int
		height int
		format Format
		size   int
	}{
		{"mono", 4, 3, Mono8, 12},
		{"bayer rg", 4, 3, BayerRG, 36},
		{"bayer gr", 2, 2, BayerGR, 12},
		{"bayer gb", 1, 5, BayerGB, 15},
		{"bayer bg", 3, 1, BayerBG, 9},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw := pattern(tc.size)
			buf, err := New(tc.width, tc.height, tc.format, raw)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			if !bytes.Equal(buf.Raw(), raw) {
				t.Error("Raw bytes do not match input")
			}

			first, err := buf.Image()
			if err != nil {
				t.Fatalf("Image failed: %v", err)
			}
			second, err := buf.Image()
			if err != nil {
				t.Fatalf("Image failed: %v", err)
			}
			if first != second {
				t.Error("Expected the cached display image to be returned")
			}

			if !bytes.Equal(buf.Raw(), raw) {
				t.Error("Display derivation must not mutate raw bytes")
			}
			if first.Bounds() != image.Rect(0, 0, tc.width, tc.height) {
				t.Errorf("Unexpected bounds: %v", first.Bounds())
			}
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	raw := pattern(4)
	buf, err := New(2, 2, Mono8, raw)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	raw[0] = 0xAA
	if buf.Raw()[0] == 0xAA {
		t.Error("Expected New to own a copy of the input")
	}
}

func TestNew_InvalidInput(t *testing.T) {
	testCases := []struct {
		name   string
		width  int
		height int
		format Format
		raw    []byte
		want   result.Code
	}{
		{"wrong mono length", 4, 4, Mono8, make([]byte, 15), result.SystemError},
		{"bayer with mono length", 4, 4, BayerRG, make([]byte, 16), result.SystemError},
		{"zero width", 0, 4, Mono8, nil, result.SystemError},
		{"unsupported format", 2, 2, Format("Mono 16"), make([]byte, 8), result.UnsupportedPixelFormat},
		{"unknown format", 2, 2, Format("RGB"), make([]byte, 12), result.UnsupportedPixelFormat},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.width, tc.height, tc.format, tc.raw)
			if got := result.CodeOf(err); got != tc.want {
				t.Errorf("Expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestImage_MonoPalette(t *testing.T) {
	raw := []byte{0, 128, 254, 255}
	buf, err := New(2, 2, Mono8, raw)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	img, err := buf.Image()
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	paletted, ok := img.(*image.Paletted)
	if !ok {
		t.Fatalf("Expected *image.Paletted, got %T", img)
	}
	if len(paletted.Palette) != 256 {
		t.Fatalf("Expected 256 palette entries, got %d", len(paletted.Palette))
	}

	for i, v := range raw {
		x, y := i%2, i/2
		r, g, b, _ := paletted.At(x, y).RGBA()
		if r>>8 != uint32(v) || g>>8 != uint32(v) || b>>8 != uint32(v) {
			t.Errorf("Pixel (%d,%d): expected gray %d, got %d,%d,%d", x, y, v, r>>8, g>>8, b>>8)
		}
	}
}

func TestImage_BayerByteOrder(t *testing.T) {
	// B, G, R の順に詰める
	raw := []byte{10, 20, 30, 40, 50, 60}
	buf, err := New(2, 1, BayerBG, raw)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	img, err := buf.Image()
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	bgr, ok := img.(*BGR24)
	if !ok {
		t.Fatalf("Expected *BGR24, got %T", img)
	}
	if !bytes.Equal(bgr.Pix, raw) {
		t.Errorf("Expected display bytes to keep the stored order, got %v", bgr.Pix)
	}

	want := color.RGBA{R: 60, G: 50, B: 40, A: 0xFF}
	if got := bgr.At(1, 0); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got := bgr.At(5, 5); got != (color.RGBA{}) {
		t.Errorf("Expected zero color outside bounds, got %v", got)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	calls := 0
	buf, err := Wrap(2, 2, Mono8, pattern(4), func() { calls++ })
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	buf.Release()
	buf.Release()

	if calls != 1 {
		t.Errorf("Expected release hook to run once, ran %d times", calls)
	}
	if !buf.Released() {
		t.Error("Expected buffer to be released")
	}
	if buf.Raw() != nil {
		t.Error("Expected raw bytes to be dropped after release")
	}
	if _, err := buf.Image(); result.CodeOf(err) != result.ClassDisposedError {
		t.Errorf("Expected ClassDisposedError after release, got %v", err)
	}
}

func TestFormat_Channels(t *testing.T) {
	testCases := []struct {
		format  Format
		want    int
		wantErr bool
	}{
		{Mono8, 1, false},
		{Format("Mono 16"), 1, false},
		{BayerGB, 3, false},
		{Format("YUV422"), 0, true},
	}

	for _, tc := range testCases {
		t.Run(string(tc.format), func(t *testing.T) {
			got, err := tc.format.Channels()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %d channels, got %d", tc.want, got)
			}
			if tc.wantErr && result.CodeOf(err) != result.UnsupportedPixelFormat {
				t.Errorf("Expected UnsupportedPixelFormat, got %s", result.CodeOf(err))
			}
		})
	}
}

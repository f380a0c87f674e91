package photo

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"
)

// mockMetrics はアップロード結果を記録するMetricsCollector。
type mockMetrics struct {
	uploads []bool
}

func (m *mockMetrics) RecordAuthOperation(string, bool) {}
func (m *mockMetrics) RecordUpload(success bool, _ time.Duration) {
	m.uploads = append(m.uploads, success)
}
func (m *mockMetrics) RecordMoodEntry()     {}
func (m *mockMetrics) RecordHTTPStatus(int) {}
func (m *mockMetrics) SubscriptionOpened()  {}
func (m *mockMetrics) SubscriptionClosed()  {}
func (m *mockMetrics) SetActiveClients(int) {}

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 120, B: 80, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(w, h), nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(w, h)); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func decodedSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode image: %v", err)
	}
	return cfg.Width, cfg.Height
}

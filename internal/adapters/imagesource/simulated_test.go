package imagesource

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"

	"github.com/gridline/imagevault/internal/domain/model"
)

func TestSimulatedSourceResolve(t *testing.T) {
	src := NewSimulatedSource()

	if src.Mode() != model.SourceModeSimulated {
		t.Fatalf("unexpected mode: %s", src.Mode())
	}

	res, err := src.Resolve(context.Background(), "4006381333931")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	want := "https://images.example.com/simulated/4006381333931.jpg"
	if res.URL != want {
		t.Fatalf("unexpected URL: got %s want %s", res.URL, want)
	}
	if res.Domain != "example.com" {
		t.Fatalf("unexpected domain: %s", res.Domain)
	}
}

func TestSimulatedSourceDownloadIsValidJPEG(t *testing.T) {
	src := NewSimulatedSource()

	dl, err := src.Download(context.Background(), "https://images.example.com/simulated/123.jpg")
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	if dl.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", dl.ContentType)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(dl.Bytes))
	if err != nil {
		t.Fatalf("decode jpeg config: %v", err)
	}
	if cfg.Width != 800 || cfg.Height != 600 {
		t.Fatalf("unexpected dimensions: %dx%d", cfg.Width, cfg.Height)
	}
}

func TestGeneratePlaceholderDeterministicDimensions(t *testing.T) {
	first, err := GeneratePlaceholder()
	if err != nil {
		t.Fatalf("GeneratePlaceholder error: %v", err)
	}
	second, err := GeneratePlaceholder()
	if err != nil {
		t.Fatalf("GeneratePlaceholder error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical bytes for identical input")
	}
}

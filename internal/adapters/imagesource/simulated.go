package imagesource

import (
	"context"
	"fmt"

	"github.com/gridline/imagevault/internal/domain/model"
)

// Synthetic location reported for simulated images. No request is ever made
// against it; Download synthesizes the bytes locally.
const (
	simulatedBaseURL = "https://images.example.com/simulated"
	simulatedDomain  = "example.com"
)

// SimulatedSource stands in for the live catalog when no external system is
// configured. Resolution is deterministic per code and Download never
// touches the network.
type SimulatedSource struct{}

// NewSimulatedSource constructs a SimulatedSource.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{}
}

// Mode reports simulated.
func (s *SimulatedSource) Mode() model.SourceMode {
	return model.SourceModeSimulated
}

// Resolve returns the deterministic synthetic URL for the code.
func (s *SimulatedSource) Resolve(_ context.Context, code string) (*Resolution, error) {
	return &Resolution{
		URL:    fmt.Sprintf("%s/%s.jpg", simulatedBaseURL, code),
		Domain: simulatedDomain,
	}, nil
}

// Download synthesizes the image bytes locally.
func (s *SimulatedSource) Download(_ context.Context, _ string) (*Download, error) {
	b, err := GeneratePlaceholder()
	if err != nil {
		return nil, err
	}
	return &Download{Bytes: b, ContentType: "image/jpeg"}, nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gridline/imagevault/internal/domain/model"
)

// ImageSourceConfig controls where image bytes come from.
type ImageSourceConfig struct {
	// Mode selects the simulated or live source.
	Mode model.SourceMode `env:"MODE" envDefault:"simulated"`

	// APIURL is the barcode lookup endpoint used in live mode.
	APIURL string `env:"API_URL" envDefault:"https://api.barcodelookup.com/v3/products"`

	// APIKey authenticates lookup requests. Required in live mode.
	APIKey string `env:"API_KEY"`

	// ImageExpr is the JMESPath expression that extracts the image URL from
	// the lookup response.
	ImageExpr string `env:"IMAGE_EXPR" envDefault:"products[0].images[0]"`

	// Timeout bounds each resolve and download request.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to image source configuration values.
func (c *ImageSourceConfig) Sanitize() {
	if !c.Mode.Valid() {
		c.Mode = model.SourceModeSimulated
	}
	c.APIURL = strings.TrimSpace(c.APIURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if strings.TrimSpace(c.ImageExpr) == "" {
		c.ImageExpr = "products[0].images[0]"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// FallbackPolicy decides which download or persist failures are masked by
// the locally generated placeholder image instead of failing the job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Masks needs value receiver
type FallbackPolicy string

const (
	// FallbackSimulatedOnly masks failures only when the simulated source is
	// active. Live failures always surface.
	FallbackSimulatedOnly FallbackPolicy = "simulated-only"
	// FallbackAlways masks failures in every mode.
	FallbackAlways FallbackPolicy = "always"
	// FallbackNever disables the placeholder entirely.
	FallbackNever FallbackPolicy = "never"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (p *FallbackPolicy) UnmarshalText(text []byte) error {
	v := FallbackPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case FallbackSimulatedOnly, FallbackAlways, FallbackNever:
		*p = v
		return nil
	}
	return fmt.Errorf("invalid FallbackPolicy: %q", string(text))
}

// Masks reports whether a failure under the given source mode should be
// hidden behind a placeholder artifact.
func (p FallbackPolicy) Masks(mode model.SourceMode) bool {
	switch p {
	case FallbackAlways:
		return true
	case FallbackNever:
		return false
	case FallbackSimulatedOnly:
		return mode == model.SourceModeSimulated
	default:
		return mode == model.SourceModeSimulated
	}
}

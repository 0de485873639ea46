// Package imagesource resolves product codes to image locations and fetches
// the referenced bytes. Two implementations exist: a simulated source that
// synthesizes data locally without any network access, and a live source
// backed by a barcode lookup API.
package imagesource

import (
	"context"
	"errors"

	"github.com/gridline/imagevault/internal/domain/model"
)

// Resolution is the outcome of a lookup: where the image for a code lives.
type Resolution struct {
	// URL is the direct image location.
	URL string
	// Domain is the registrable domain of the URL host, used for log and
	// metric tags. Empty when it cannot be derived.
	Domain string
}

// Download carries fetched image bytes plus the content type reported by the origin.
type Download struct {
	Bytes       []byte
	ContentType string
}

// ErrNoImage is returned when a lookup succeeds but the response carries no
// usable image reference for the code.
var ErrNoImage = errors.New("no image found for code")

// Source resolves a code to an image location and fetches its bytes. Both
// steps return explicit errors; the caller decides whether a failure is
// masked by the placeholder fallback.
type Source interface {
	// Mode reports which acquisition mode this source implements.
	Mode() model.SourceMode
	// Resolve maps a product code to an image location.
	Resolve(ctx context.Context, code string) (*Resolution, error)
	// Download fetches the bytes behind a previously resolved location.
	Download(ctx context.Context, rawURL string) (*Download, error)
}

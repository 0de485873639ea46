package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ImageFetchPayload is the typed payload carried by image acquisition jobs.
// Code is the product barcode (EAN) identifying the image to acquire.
type ImageFetchPayload struct {
	Code        string `json:"code"`
	RequestedBy string `json:"requested_by,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Validate checks the invariants a payload must hold before any work happens.
// The HTTP boundary enforces stricter rules (minimum length, digits only);
// workers re-check only that the identifier is present.
func (p *ImageFetchPayload) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return errors.New("missing image identifier")
	}
	return nil
}

// Marshal encodes the payload for storage in the jobs table.
func (p *ImageFetchPayload) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal image fetch payload: %w", err)
	}
	return b, nil
}

// ParseImageFetchPayload decodes a stored job payload.
func ParseImageFetchPayload(raw json.RawMessage) (*ImageFetchPayload, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}
	var p ImageFetchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode image fetch payload: %w", err)
	}
	return &p, nil
}

// ImageFetchResult records the outcome of a successful image acquisition.
// FallbackUsed marks artifacts produced by the local placeholder generator
// after a masked download failure.
type ImageFetchResult struct {
	Code         string `json:"code"`
	StoredName   string `json:"stored_name"`
	Path         string `json:"path,omitempty"`
	ByteSize     int64  `json:"byte_size"`
	MimeType     string `json:"mime_type"`
	SourceURL    string `json:"source_url,omitempty"`
	SourceDomain string `json:"source_domain,omitempty"`
	FallbackUsed bool   `json:"fallback_used"`
	Note         string `json:"note,omitempty"`
}

// Marshal encodes the result for storage in the job_results table.
func (r *ImageFetchResult) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal image fetch result: %w", err)
	}
	return b, nil
}

// ParseImageFetchResult decodes a stored job result.
func ParseImageFetchResult(raw json.RawMessage) (*ImageFetchResult, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty result")
	}
	var r ImageFetchResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode image fetch result: %w", err)
	}
	return &r, nil
}

// ImageJobStatus is the status projection served to API callers. Terminal
// projections are cached in Redis so repeated polls after completion avoid
// the jobs table.
type ImageJobStatus struct {
	JobID     string            `json:"job_id"`
	State     JobStatus         `json:"state"`
	Code      string            `json:"code,omitempty"`
	Result    *ImageFetchResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

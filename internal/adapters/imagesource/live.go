package imagesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/net/publicsuffix"

	"github.com/gridline/imagevault/internal/domain/model"
)

// DefaultImageExpr selects the first image of the first product from the
// lookup response.
const DefaultImageExpr = "products[0].images[0]"

const (
	defaultLiveTimeout = 30 * time.Second
	defaultMaxBytes    = 10 << 20

	// Lookup responses are JSON metadata, not images; cap reads accordingly.
	maxLookupBodyBytes = 1 << 20
)

// LiveConfig configures the live barcode lookup source.
type LiveConfig struct {
	APIURL    string        // lookup endpoint, required
	APIKey    string        // lookup API key, required
	ImageExpr string        // JMESPath into the lookup JSON; DefaultImageExpr when empty
	Timeout   time.Duration // per-request timeout; defaults to 30s
	MaxBytes  int64         // image download byte cap; defaults to 10MiB
	Client    *http.Client
	Logger    *slog.Logger
}

// LiveSource resolves codes through a barcode lookup API and downloads the
// referenced image bytes.
type LiveSource struct {
	apiURL   string
	apiKey   string
	expr     string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewLiveSource constructs a LiveSource. The API URL and key are required;
// the image expression is validated up front so a bad deployment fails at
// startup rather than per job.
func NewLiveSource(cfg LiveConfig) (*LiveSource, error) {
	apiURL := strings.TrimSpace(cfg.APIURL)
	if apiURL == "" {
		return nil, errors.New("image source: API URL is required in live mode")
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("image source: invalid API URL: %w", err)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("image source: API key is required in live mode")
	}

	expr := strings.TrimSpace(cfg.ImageExpr)
	if expr == "" {
		expr = DefaultImageExpr
	}
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("image source: invalid image expression %q: %w", expr, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LiveSource{
		apiURL:   apiURL,
		apiKey:   apiKey,
		expr:     expr,
		maxBytes: maxBytes,
		client:   hc,
		logger:   logger.With("component", "image_source"),
	}, nil
}

// Mode reports live.
func (s *LiveSource) Mode() model.SourceMode {
	return model.SourceModeLive
}

// Resolve queries the lookup API for the code and extracts the image URL
// from the JSON response.
func (s *LiveSource) Resolve(ctx context.Context, code string) (*Resolution, error) {
	doc, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	imageURL, err := s.extractImageURL(doc)
	if err != nil {
		return nil, err
	}

	domain := registrableDomain(imageURL)
	s.logger.InfoContext(ctx, "resolved image location", "code", code, "source_domain", domain)

	return &Resolution{URL: imageURL, Domain: domain}, nil
}

func (s *LiveSource) lookup(ctx context.Context, code string) (any, error) {
	q := url.Values{}
	q.Set("barcode", code)
	q.Set("formatted", "y")
	q.Set("key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}

	body, err := readBodyLimited(resp.Body, maxLookupBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The URL carries the API key; report only the status.
		return nil, fmt.Errorf("lookup api %s", resp.Status)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	return doc, nil
}

func (s *LiveSource) extractImageURL(doc any) (string, error) {
	value, err := jmespath.Search(s.expr, doc)
	if err != nil {
		return "", fmt.Errorf("evaluate image expression: %w", err)
	}
	imageURL, ok := value.(string)
	if !ok || strings.TrimSpace(imageURL) == "" {
		return "", ErrNoImage
	}
	return imageURL, nil
}

// Download fetches the image bytes, rejecting responses that exceed the
// configured byte cap.
func (s *LiveSource) Download(ctx context.Context, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if drainErr := drainAndClose(resp.Body); drainErr != nil {
			return nil, errors.Join(
				fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status),
				drainErr,
			)
		}
		return nil, fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}

	body, err := readBodyLimited(resp.Body, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read image bytes: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("download %s: empty response body", rawURL)
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = "image/jpeg"
	}

	return &Download{Bytes: body, ContentType: contentType}, nil
}

// readBodyLimited reads at most limit bytes and closes the body. Bodies
// larger than the limit are an error, not a truncation.
func readBodyLimited(body io.ReadCloser, limit int64) ([]byte, error) {
	data, readErr := io.ReadAll(io.LimitReader(body, limit+1))
	closeErr := body.Close()
	if readErr != nil {
		if closeErr != nil {
			return nil, errors.Join(readErr, fmt.Errorf("close response body: %w", closeErr))
		}
		return nil, readErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close response body: %w", closeErr)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d byte limit", limit)
	}
	return data, nil
}

func drainAndClose(body io.ReadCloser) error {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, maxLookupBodyBytes)); err != nil {
		closeErr := body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain response body: %w", err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

// registrableDomain derives the eTLD+1 of the URL host for tagging. It falls
// back to the bare host when the public suffix list cannot classify it.
func registrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gridline/imagevault/internal/testutil"
)

// JSONRequest encapsulates the parameters needed to execute a JSON HTTP request.
type JSONRequest struct {
	Method  string
	URL     string
	Payload any
}

// DoJSON creates a request with context and performs it using an explicit client.
// This is a shared helper to avoid code duplication across test files.
func DoJSON(t testutil.TestingTB, req JSONRequest) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := getTestHTTPClient()

	var body *bytes.Reader
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	if req.Method == "" {
		t.Fatalf("DoJSON requires Method")
	}
	if req.URL == "" {
		t.Fatalf("DoJSON requires URL")
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if req.Payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

var (
	testHTTPClientOnce sync.Once    //nolint:gochecknoglobals // cached for test helper
	testHTTPClient     *http.Client //nolint:gochecknoglobals // cached for test helper
)

func getTestHTTPClient() *http.Client {
	testHTTPClientOnce.Do(func() {
		testHTTPClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	})
	return testHTTPClient
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultServerURL() string {
	return envOr("CLAUTH_SERVER", "http://127.0.0.1:8743")
}

// newHTTPClient returns a client that dials a unix socket when serverURL
// uses the unix:// scheme, matching clauthd's own transport config (spec
// 6 `transport`/`socketPath`).
func newHTTPClient() (*http.Client, string) {
	if strings.HasPrefix(serverURL, "unix://") {
		socketPath := strings.TrimPrefix(serverURL, "unix://")
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		}, "http://unix"
	}
	return &http.Client{Timeout: 30 * time.Second}, strings.TrimRight(serverURL, "/")
}

// apiCall issues an admin request against clauthd and decodes the JSON
// response into out (when non-nil). A non-2xx response is surfaced as an
// error carrying the decoded {code, message} body clauthd's writeError
// produces.
func apiCall(method, path string, body any, out any) error {
	client, base := newHTTPClient()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if adminToken != "" {
		req.Header.Set("authorization", "Bearer "+adminToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling clauthd: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if jsonOutput {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("clauthd returned status %d", resp.StatusCode)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxBodyBytes = 1 << 20

type apiRequest struct {
	method    string
	url       string
	headers   map[string]string
	body      any
	basicUser string
	basicPass string
}

// send issues one HTTP call and returns the status code and the raw body.
// The error is non-nil only when no response was received.
func send(ctx context.Context, client *http.Client, r apiRequest) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		jsonData, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.basicUser != "" || r.basicPass != "" {
		req.SetBasicAuth(r.basicUser, r.basicPass)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// flexSeconds decodes expires_in values sent either as numbers or as strings.
type flexSeconds int64

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in %q: %w", s, err)
	}
	*f = flexSeconds(n)
	return nil
}

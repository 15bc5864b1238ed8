package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	// EnvServer overrides the default daemon address for client commands.
	EnvServer     = "MCPFLEET_SERVER"
	defaultServer = "http://127.0.0.1:8765"
)

// apiClient talks to a running `mcpfleet serve`.
type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func resolveClient(cmd *cobra.Command) (*apiClient, error) {
	server, _ := cmd.Flags().GetString("server")
	server = strings.TrimSpace(server)
	if server == "" {
		server = strings.TrimSpace(os.Getenv(EnvServer))
	}
	if server == "" {
		server = defaultServer
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, exitError(exitValidation, "invalid --server %q", server)
	}
	timeout, _ := cmd.Flags().GetDuration("request-timeout")
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// do sends body as JSON and decodes a 2xx response into out. Error envelopes
// become ExitErrors.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return exitError(exitTimeout, "request to %s timed out", c.base)
		}
		return exitError(exitUnavailable, "daemon at %s unreachable: %v", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return exitError(exitRuntime, "reading response: %v", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Code != "" {
			code := exitRuntime
			switch resp.StatusCode {
			case http.StatusBadRequest:
				code = exitValidation
			case http.StatusNotFound:
				code = exitFileNotFound
			case http.StatusServiceUnavailable:
				code = exitUnavailable
			case http.StatusGatewayTimeout:
				code = exitTimeout
			}
			return exitError(code, "%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return exitError(exitRuntime, "%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return exitError(exitRuntime, "decoding response: %v", err)
	}
	return nil
}

func toolPath(name string, suffix ...string) string {
	p := "/api/tools/" + url.PathEscape(name)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

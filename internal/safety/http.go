package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
)

// UserAgent identifies portainerctl to registries and download hosts.
const UserAgent = "portainerctl"

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns the client used for registry and installer traffic.
// It honours proxy environment variables, bounds each connection phase and
// sends UserAgent unless a request sets its own. A non-positive timeout
// defaults to one minute.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &http.Client{
		Timeout: timeout,
		Transport: userAgentTransport{base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   2,
		}},
	}
}

// ReadAllWithLimit reads r fully. Bodies past limit bytes fail with an error
// wrapping ErrBodyTooLarge.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %s", ErrBodyTooLarge, humanize.IBytes(uint64(limit)))
	}
	return data, nil
}

// ValidateHTTPURL parses a registry, token realm or installer URL. Only
// http(s) with a host is accepted; credentials belong in the config, never
// in the URL.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q in %s", u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %s has no host", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL %s must not carry credentials", u.Redacted())
	}
	return u, nil
}

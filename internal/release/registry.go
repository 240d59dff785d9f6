// Package release lists image tags from a container registry and picks the
// versions used for pinned updates.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/safety"
)

const (
	maxTagListBytes   = 8 << 20
	maxTokenBodyBytes = 1 << 20
	maxTagPages       = 20
)

var (
	authParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)
	linkNextRegexp  = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)
)

// Registry speaks the subset of the Registry V2 API needed to list tags,
// including the anonymous bearer-token handshake Docker Hub requires.
type Registry struct {
	http     *http.Client
	base     *url.URL
	hubStyle bool
	logger   *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewRegistry creates a client for endpoint. "docker.io" and
// "index.docker.io" map to registry-1.docker.io. An endpoint without a
// scheme uses https.
func NewRegistry(endpoint string, httpClient *http.Client, logger *slog.Logger) (*Registry, error) {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	host := strings.TrimSpace(endpoint)
	hub := false
	switch strings.ToLower(host) {
	case "", "docker.io", "index.docker.io", "registry-1.docker.io":
		host = "registry-1.docker.io"
		hub = true
	}
	raw := host
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := safety.ValidateHTTPURL(raw)
	if err != nil {
		return nil, fmt.Errorf("registry endpoint: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &Registry{
		http:     httpClient,
		base:     u,
		hubStyle: hub,
		logger:   logger,
		tokens:   make(map[string]string),
	}, nil
}

// Repository normalizes repo for this registry. Docker Hub official images
// live under "library/".
func (r *Registry) Repository(repo string) string {
	repo = strings.Trim(repo, "/")
	if r.hubStyle {
		for _, prefix := range []string{"docker.io/", "index.docker.io/", "registry-1.docker.io/"} {
			repo = strings.TrimPrefix(repo, prefix)
		}
		if !strings.Contains(repo, "/") {
			repo = "library/" + repo
		}
	}
	return repo
}

// Tags lists every tag of repo, following pagination links.
func (r *Registry) Tags(ctx context.Context, repo string) ([]string, error) {
	repo = r.Repository(repo)
	scope := "repository:" + repo + ":pull"

	next := r.base.ResolveReference(&url.URL{Path: r.base.Path + "/v2/" + repo + "/tags/list"})
	q := next.Query()
	q.Set("n", "1000")
	next.RawQuery = q.Encode()

	var tags []string
	for page := 0; next != nil; page++ {
		if page >= maxTagPages {
			r.logger.Warn("tag listing truncated", "repository", repo, "pages", page)
			break
		}
		body, header, err := r.get(ctx, next.String(), scope)
		if err != nil {
			return nil, err
		}
		var list struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("parsing tag list: %w", err)
		}
		tags = append(tags, list.Tags...)

		next = nil
		if m := linkNextRegexp.FindStringSubmatch(header.Get("Link")); len(m) == 2 {
			ref, err := url.Parse(m[1])
			if err != nil {
				return nil, fmt.Errorf("parsing pagination link: %w", err)
			}
			next = r.base.ResolveReference(ref)
		}
	}
	return tags, nil
}

func (r *Registry) get(ctx context.Context, endpoint, scope string) ([]byte, http.Header, error) {
	r.mu.Lock()
	token := r.tokens[scope]
	r.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("executing request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			challenge := resp.Header.Get("WWW-Authenticate")
			_ = resp.Body.Close()
			token, err = r.fetchBearerToken(ctx, challenge, scope)
			if err != nil {
				return nil, nil, fmt.Errorf("fetching bearer token: %w", err)
			}
			r.mu.Lock()
			r.tokens[scope] = token
			r.mu.Unlock()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, nil, fmt.Errorf("registry returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		data, err := safety.ReadAllWithLimit(resp.Body, maxTagListBytes)
		_ = resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("reading response body: %w", err)
		}
		return data, resp.Header.Clone(), nil
	}
	return nil, nil, fmt.Errorf("registry authentication failed")
}

func (r *Registry) fetchBearerToken(ctx context.Context, challenge, scope string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(challenge), "bearer ") {
		return "", fmt.Errorf("unsupported auth challenge: %q", challenge)
	}
	params := parseAuthParams(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("bearer challenge missing realm")
	}
	realmURL, err := safety.ValidateHTTPURL(realm)
	if err != nil {
		return "", fmt.Errorf("bearer realm: %w", err)
	}

	values := realmURL.Query()
	if service := params["service"]; service != "" {
		values.Set("service", service)
	}
	if s := params["scope"]; s != "" {
		scope = s
	}
	if scope != "" {
		values.Set("scope", scope)
	}
	realmURL.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxTokenBodyBytes)
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if tokenResp.Token != "" {
		return tokenResp.Token, nil
	}
	if tokenResp.AccessToken != "" {
		return tokenResp.AccessToken, nil
	}
	return "", fmt.Errorf("token response did not include token")
}

func parseAuthParams(challenge string) map[string]string {
	result := make(map[string]string)
	trimmed := strings.TrimSpace(challenge)
	if strings.HasPrefix(strings.ToLower(trimmed), "bearer ") {
		trimmed = strings.TrimSpace(trimmed[len("bearer "):])
	}
	for _, m := range authParamRegexp.FindAllStringSubmatch(trimmed, -1) {
		if len(m) == 3 {
			result[strings.ToLower(m[1])] = m[2]
		}
	}
	return result
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// FetchTimeout bounds a content download
	FetchTimeout = 10 * time.Second
	// ValidateTimeout bounds a URL reachability check
	ValidateTimeout = 5 * time.Second
	// maxContentBytes caps how much of a page is read
	maxContentBytes = 1 << 20
	// maxRedirects caps the hops followed for one request
	maxRedirects = 5
)

// ErrHostNotAllowed is returned for URLs outside the allowlist
var ErrHostNotAllowed = errors.New("host not allowed")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ContentFetcher retrieves reference pages from allowlisted hosts
type ContentFetcher struct {
	client          *http.Client
	allowed         []string
	fetchTimeout    time.Duration
	validateTimeout time.Duration
}

// NewContentFetcher creates a fetcher for allowedHosts. A host also admits its subdomains,
// and every redirect hop must satisfy the same allowlist. client may be nil; it is copied,
// not modified.
func NewContentFetcher(allowedHosts []string, client *http.Client) *ContentFetcher {
	c := &http.Client{}
	if client != nil {
		copied := *client
		c = &copied
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	f := &ContentFetcher{
		client:          c,
		allowed:         hosts,
		fetchTimeout:    FetchTimeout,
		validateTimeout: ValidateTimeout,
	}
	c.CheckRedirect = f.checkRedirect
	return f
}

func (f *ContentFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrValidation, maxRedirects)
	}
	_, err := f.Check(req.URL.String())
	return err
}

// doChecked sends req; allowlist and redirect refusals keep their own error instead of
// being classified as upstream failures
func (f *ContentFetcher) doChecked(req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrHostNotAllowed) || errors.Is(err, ErrValidation) {
		return nil, err
	}
	return nil, ClassifyError(err)
}

// FindURL returns the first http(s) URL in text
func FindURL(text string) (string, bool) {
	u := urlPattern.FindString(text)
	u = strings.TrimRight(u, ".,;:!?)")
	return u, u != ""
}

// Check parses rawURL and verifies its scheme and host
func (f *ContentFetcher) Check(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrValidation, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range f.allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

// Validate confirms rawURL answers a HEAD request with a 2xx status
func (f *ContentFetcher) Validate(ctx context.Context, rawURL string) error {
	u, err := f.Check(rawURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, f.validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	resp, err := f.doChecked(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Type: "content_error", Message: "validation returned " + resp.Status}
	}
	return nil
}

// Fetch downloads rawURL and returns its readable text
func (f *ContentFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := f.Check(rawURL)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	req.Header.Set("Accept", "text/html, text/plain;q=0.9")
	resp, err := f.doChecked(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Type: "content_error", Message: "fetch returned " + resp.Status}
	}

	body := io.LimitReader(resp.Body, maxContentBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		text, err := extractText(body)
		if err != nil {
			return "", ClassifyError(err)
		}
		return text, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", ClassifyError(err)
	}
	return strings.Join(strings.Fields(string(raw)), " "), nil
}

// extractText returns the visible text of an HTML document with whitespace collapsed
func extractText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return strings.Join(parts, " "), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
}

func isHiddenTag(name string) bool {
	switch name {
	case "script", "style", "noscript", "template", "head":
		return true
	default:
		return false
	}
}

package transfer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neonbrowser/neondl/internal/validator"
)

const (
	userAgent     = "neondl/1.0"
	maxRedirects  = 5
	maxRetryAfter = 60 * time.Second
)

// HTTPDoer is the collaborator the Transfer Engine drives for all wire
// I/O; production code wires in an *http.Client, tests a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient builds a client that re-validates the URL of every
// redirect hop (§6.1), caps the hop count at maxRedirects, and dials
// through safeDialContext so a hostname's resolved address is
// re-checked against the SSRF block list before every connection,
// closing the DNS-rebinding gap a literal-URL check alone leaves open.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: safeDialContext,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			if err := validator.ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect target rejected: %w", err)
			}

			return nil
		},
	}
}

// safeDialContext resolves addr's host itself, rejects the dial if any
// resolved address falls within the blocked ranges §4.A names, and
// only then connects — pinning the connection to the address it just
// validated rather than trusting a second, independent resolution by
// net.Dialer to land on the same address.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("safe dial: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("safe dial: resolve %s: %w", host, err)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("safe dial: no addresses found for %s", host)
	}

	for _, resolved := range ips {
		if err := validator.ValidateResolvedIP(resolved.IP); err != nil {
			return nil, fmt.Errorf("safe dial: resolved address rejected: %w", err)
		}
	}

	dialer := &net.Dialer{}

	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

type preflightResult struct {
	fileSize    int64
	hasFileSize bool
	mimeType    string
}

// preflight issues a HEAD request to learn Content-Length and
// Content-Type; per §4.C step 2, it falls back to a ranged GET when
// the server rejects HEAD.
func preflight(ctx context.Context, doer HTTPDoer, rawURL string) (preflightResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return preflightResult{}, &NetworkError{Op: "build_head_request", Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := doer.Do(req)
	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return extractPreflight(resp), nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return preflightResult{}, &NetworkError{Op: "build_probe_request", Err: err}
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err = doer.Do(req)
	if err != nil {
		return preflightResult{}, &NetworkError{Op: "preflight", Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return preflightResult{}, classifyHTTPStatus(resp)
	}

	return extractPreflight(resp), nil
}

func extractPreflight(resp *http.Response) preflightResult {
	result := preflightResult{
		mimeType: strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]),
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if total, ok := parseContentRangeTotal(cr); ok {
			result.fileSize = total
			result.hasFileSize = true

			return result
		}
	}

	if resp.ContentLength >= 0 {
		result.fileSize = resp.ContentLength
		result.hasFileSize = true
	}

	return result
}

// parseContentRangeTotal extracts the total length from a header of
// the form "bytes 0-0/12345".
func parseContentRangeTotal(headerValue string) (int64, bool) {
	idx := strings.LastIndexByte(headerValue, '/')
	if idx < 0 || idx == len(headerValue)-1 {
		return 0, false
	}

	total, err := strconv.ParseInt(headerValue[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}

	return total, true
}

// rangedGet issues the resumable download request starting at
// startOffset (0 for a fresh download) and reports whether the server
// honored the Range request with a 206.
func rangedGet(ctx context.Context, doer HTTPDoer, rawURL string, startOffset int64) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, &NetworkError{Op: "build_get_request", Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, false, &NetworkError{Op: "get", Err: err}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		return nil, false, classifyHTTPStatus(resp)
	}

	if startOffset == 0 {
		return resp, false, nil
	}

	if resp.StatusCode == http.StatusPartialContent && rangeStartMatches(resp.Header.Get("Content-Range"), startOffset) {
		return resp, true, nil
	}

	// 200 (range ignored) or a 206 starting somewhere unexpected: the
	// caller truncates and restarts from 0.
	return resp, false, nil
}

func rangeStartMatches(contentRange string, expectedStart int64) bool {
	rest, ok := strings.CutPrefix(contentRange, "bytes ")
	if !ok {
		return false
	}

	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return false
	}

	start, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return false
	}

	return start == expectedStart
}

// classifyHTTPStatus turns a non-2xx response into the typed error the
// rest of the engine switches on, honoring Retry-After (§6.1) for the
// transient statuses.
func classifyHTTPStatus(resp *http.Response) error {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			return maxRetryAfter
		}

		return d
	}

	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			return 0
		}

		if d > maxRetryAfter {
			return maxRetryAfter
		}

		return d
	}

	return 0
}

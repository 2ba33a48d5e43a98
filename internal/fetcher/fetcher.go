// Package fetcher implements the HTTP fetcher (component C): a bounded-concurrency downloader
// with retry, timeout, gzip/deflate decoding, and redirect following.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/mail"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	// Version is the fetcher's User-Agent version token.
	Version = "1.0.0"

	maxRetries = 3

	// socketErrorBackoffUnit is the per-attempt wait after a socket-level failure; a non-200
	// response is retried immediately (§4.C).
	socketErrorBackoffUnit = 10 * time.Second

	// attemptHeader carries the 1-based attempt number from the retry client's per-attempt
	// hook down to the transport, which derives that attempt's timeout from it. The header is
	// stripped before the request leaves the process.
	attemptHeader = "X-Mwoffliner-Attempt"
)

// Config controls how the fetcher builds its client.
type Config struct {
	AdminEmail     string
	RequestTimeout time.Duration
}

// Validate checks AdminEmail against an RFC-5322-ish grammar, as required at startup by §4.C.
func (c Config) Validate() errors.E {
	if _, err := mail.ParseAddress(c.AdminEmail); err != nil {
		return errors.Wrapf(err, "invalid admin email %q", c.AdminEmail)
	}
	return nil
}

// New builds a pooled, retrying HTTP client per §4.C: a persistent cookie jar (the login
// handshake's session cookie rides on it for every subsequent request), a fixed User-Agent
// carrying the admin email, and up to 3 retries (4 attempts in all). Redirects are followed by the underlying
// net/http client's default policy.
func New(config Config, logger zerolog.Logger) (*retryablehttp.Client, errors.E) {
	if errE := config.Validate(); errE != nil {
		return nil, errE
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	transport := cleanhttp.DefaultPooledTransport()

	userAgent := fmt.Sprintf("MWOffliner/%s (%s)", Version, config.AdminEmail)

	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	// The request timeout scales with the attempt number (timeout = configuredTimeout ×
	// attemptNumber, §4.C). retryablehttp reuses one http.Client across attempts, so a fixed
	// Client.Timeout cannot express that; instead the attempt number rides on a private header
	// into attemptTimeoutTransport, which derives a per-attempt context deadline.
	client.HTTPClient = &http.Client{
		Transport: &attemptTimeoutTransport{base: transport, timeout: config.RequestTimeout},
		Jar:       jar,
	}
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		req.Header.Set("User-Agent", userAgent)
		// attempt is zero-based here; the timeout scale of §4.C is one-based.
		req.Header.Set(attemptHeader, strconv.Itoa(attempt+1))
		logger.Debug().Str("url", req.URL.String()).Int("attempt", attempt).Msg("fetching")
	}
	client.Backoff = func(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if resp == nil {
			// Socket error: retry after 10 × attempt seconds (§4.C).
			return socketErrorBackoffUnit * time.Duration(attemptNum+1)
		}
		// Non-200 status: retry immediately, up to the bound.
		return 0
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return retryablehttp.ErrorPropagatedRetryPolicy(ctx, resp, err)
		}
		// Non-200 status is a transient failure, retried up to the bound (§4.C).
		return resp.StatusCode != http.StatusOK, nil
	}

	return client, nil
}

// Close tears down the client's pooled connections, as required at shutdown by §4.C.
func Close(client *retryablehttp.Client) {
	if transport, ok := client.HTTPClient.Transport.(interface{ CloseIdleConnections() }); ok {
		transport.CloseIdleConnections()
	}
}

// attemptTimeoutTransport applies §4.C's per-attempt timeout: the deadline for attempt N is
// N × the configured timeout, read from the attempt header set by the client's per-attempt
// hook. The deadline stays in force while the body is read; it is released when the body is
// closed.
type attemptTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *attemptTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempt := 1
	if value := req.Header.Get(attemptHeader); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			attempt = n
		}
	}
	req = req.Clone(req.Context())
	req.Header.Del(attemptHeader)

	if t.timeout <= 0 {
		return t.base.RoundTrip(req) //nolint:wrapcheck
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.timeout*time.Duration(attempt))
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err //nolint:wrapcheck
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (t *attemptTimeoutTransport) CloseIdleConnections() {
	if base, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		base.CloseIdleConnections()
	}
}

// cancelOnCloseBody keeps the attempt's deadline context alive until the response body is
// closed, so reads are bounded by the same deadline as the round trip itself.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close() //nolint:wrapcheck
}

// Do issues a GET for url and returns the raw response, treating any non-200 status (after the
// client's retries are exhausted) as an error. The response body is transparently gzip-decoded
// by the transport. Callers that stream the body into the disk cache (component B) use this
// instead of Fetch.
func Do(ctx context.Context, client *retryablehttp.Client, url string) (*http.Response, errors.E) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["url"] = url
		return nil, errE
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck,gosec
		errE := errors.New("bad response status")
		errors.Details(errE)["url"] = url
		errors.Details(errE)["code"] = resp.StatusCode
		return nil, errE
	}
	return resp, nil
}

// Fetch retrieves url and returns its decoded body and headers (component C's contract:
// fetch(url) -> (body, headers)). The request advertises gzip/deflate and the response is
// decoded before delivery; any other encoding is an error. A failure after the client's
// retries are exhausted is reported with an empty body and a logged, non-fatal error, per §7 —
// the crawl continues.
func Fetch(ctx context.Context, client *retryablehttp.Client, logger zerolog.Logger, url string) ([]byte, http.Header, errors.E) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := client.Do(req)
	if err != nil {
		logger.Error().Str("url", url).Err(err).Msg("fetch failed after retries")
		return nil, nil, nil //nolint:nilerr
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		logger.Error().Str("url", url).Int("status", resp.StatusCode).Msg("non-200 response after retries")
		return nil, resp.Header, nil
	}

	body, errE := decodeBody(resp)
	if errE != nil {
		return nil, resp.Header, errE
	}

	return body, resp.Header, nil
}

func decodeBody(resp *http.Response) ([]byte, errors.E) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer r.Close() //nolint:errcheck
		body, err := io.ReadAll(r)
		return body, errors.WithStack(err)
	case "deflate":
		r := flate.NewReader(resp.Body)
		defer r.Close() //nolint:errcheck
		body, err := io.ReadAll(r)
		return body, errors.WithStack(err)
	case "", "identity":
		body, err := io.ReadAll(resp.Body)
		return body, errors.WithStack(err)
	default:
		return nil, errors.Errorf("unsupported Content-Encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	appLog "rescal/internal/log"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultUserAgent    = "rescal/1.0"
	defaultMaxBodyBytes = 8 << 20
)

// Source represents a single ICS feed to fetch.
type Source struct {
	// ID is an internal identifier (the reservation ID).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source Source
	Body   []byte
}

// FetcherOptions configures a Fetcher. Zero values pick defaults.
type FetcherOptions struct {
	// Timeout bounds each individual fetch.
	Timeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// RequestsPerSecond limits outbound requests; zero means unlimited.
	RequestsPerSecond float64
	// MaxConcurrent caps in-flight fetches; zero means one per source.
	MaxConcurrent int
	// MaxBodyBytes rejects larger feeds; zero means 8 MiB.
	MaxBodyBytes int64
	// Client overrides the HTTP client, mostly for tests.
	Client *http.Client
}

// Fetcher downloads ICS feeds. Every fetch is an independent attempt with
// its own timeout; there is no retry and no cache.
type Fetcher struct {
	client        *http.Client
	timeout       time.Duration
	userAgent     string
	limiter       *rate.Limiter
	maxConcurrent int
	maxBodyBytes  int64
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:        opts.Client,
		timeout:       opts.Timeout,
		userAgent:     opts.UserAgent,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		maxConcurrent: opts.MaxConcurrent,
		maxBodyBytes:  opts.MaxBodyBytes,
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = defaultMaxBodyBytes
	}
	if f.timeout <= 0 {
		f.timeout = defaultFetchTimeout
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return f
}

// FetchAll fetches all sources concurrently and waits for every attempt to
// settle. Results keep the order of sources and only contain successes;
// failures are logged and returned in the error slice.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	slots := make([]*FetchResult, len(sources))
	errSlots := make([]error, len(sources))

	var g errgroup.Group
	if f.maxConcurrent > 0 {
		g.SetLimit(f.maxConcurrent)
	}
	for i, src := range sources {
		g.Go(func() error {
			res, err := f.FetchOne(ctx, src)
			if err != nil {
				errSlots[i] = fmt.Errorf("fetch %s: %w", src.ID, err)
				appLog.Warn("ics fetch failed", "id", src.ID, "url", redactURL(src.URL), "err", err)
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)
	for i := range sources {
		if slots[i] != nil {
			results = append(results, *slots[i])
		}
		if errSlots[i] != nil {
			errs = append(errs, errSlots[i])
		}
	}
	return results, errs
}

// FetchOne fetches a single ICS source. Success is a 2xx status with a
// UTF-8 text body.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.1")

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FetchResult{}, errors.New(resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return FetchResult{}, err
	}
	if int64(len(body)) > f.maxBodyBytes {
		return FetchResult{}, fmt.Errorf("response body exceeds %d bytes", f.maxBodyBytes)
	}
	if !utf8.Valid(body) {
		return FetchResult{}, errors.New("response body is not text")
	}

	appLog.Debug("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))

	return FetchResult{Source: src, Body: body}, nil
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
func redactURL(u string) string {
	// Very simple redaction to avoid logging query strings / paths in full.
	// Example:
	//   https://example.com/path/to/private.ics?token=abcd
	// -> https://example.com/...(redacted)
	const redactedSuffix = "/...(redacted)"

	// Find scheme separator.
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	return u[:j] + redactedSuffix
}

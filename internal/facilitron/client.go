// Package facilitron lists reservations from the Facilitron dashboard API.
package facilitron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	appLog "rescal/internal/log"
	"rescal/internal/model"
)

const (
	DefaultBaseURL = "https://www.facilitron.com"
	// DefaultOwnerID is the owner account whose reservations are listed
	// when none is configured.
	DefaultOwnerID = "60b6ab18d0b5260058950367"

	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; rescal/1.0)"
	maxResponseBytes = 32 << 20
)

// ErrMissingCredentials is returned when no login email or password is set.
var ErrMissingCredentials = errors.New("facilitron: email and password are required")

// Options configures a Client. Zero values pick the public Facilitron
// host, the default owner and a 10s timeout.
type Options struct {
	BaseURL   string
	OwnerIDs  []string
	Email     string
	Password  string
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Client logs in and lists reservations. Each ListReservations call uses a
// fresh cookie session.
type Client struct {
	opts Options
}

// NewClient creates a new Facilitron Client.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if len(opts.OwnerIDs) == 0 {
		opts.OwnerIDs = []string{DefaultOwnerID}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Client{opts: opts}
}

// ReservationURL is the human-facing page of a reservation.
func (c *Client) ReservationURL(id string) string {
	return c.opts.BaseURL + "/reservation/" + id
}

// FeedURL is the iCalendar feed of a reservation.
func (c *Client) FeedURL(id string) string {
	return c.opts.BaseURL + "/icalendar/reservation/" + id
}

type loginRequest struct {
	Email         string `json:"email"`
	LoginClientID string `json:"login_client_id"`
	LoginMethod   string `json:"login_method"`
	Password      string `json:"password"`
}

type listRequest struct {
	OwnerIDs []string `json:"ownerids"`
	Start    int      `json:"start"`
	Limit    int      `json:"limit"`
	Page     string   `json:"page"`
}

// reservationPayload is one entry of the dashboard "reservations" array.
type reservationPayload struct {
	ID           string   `json:"_id"`
	ApprovedDate string   `json:"approved_date"`
	Created      string   `json:"created"`
	LastDate     string   `json:"last_date"`
	EventName    string   `json:"event_name"`
	Total        *float64 `json:"total"`
	Renter       struct {
		LastName string `json:"last_name"`
	} `json:"renter"`
	Owner struct {
		Name string `json:"name"`
	} `json:"owner"`
}

// ListReservations logs in and returns every reservation of the configured
// owners.
func (c *Client) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	if c.opts.Email == "" || c.opts.Password == "" {
		return nil, ErrMissingCredentials
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Jar: jar, Timeout: c.opts.Timeout, Transport: c.opts.Transport}

	login := loginRequest{
		Email:       c.opts.Email,
		LoginMethod: "local",
		Password:    c.opts.Password,
	}
	if _, err := c.post(ctx, hc, "/accounts/login", login); err != nil {
		return nil, fmt.Errorf("facilitron login: %w", err)
	}

	body, err := c.post(ctx, hc, "/api/reservations/dashboard_myreservations", listRequest{
		OwnerIDs: c.opts.OwnerIDs,
		Start:    0,
		Limit:    -1,
		Page:     "reservations",
	})
	if err != nil {
		return nil, fmt.Errorf("facilitron list: %w", err)
	}

	payloads, err := decodeReservations(body)
	if err != nil {
		return nil, fmt.Errorf("facilitron list: %w", err)
	}

	out := make([]model.Reservation, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, c.toReservation(p))
	}
	appLog.Info("facilitron: reservations listed", "count", len(out), "owners", len(c.opts.OwnerIDs))
	return out, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json;charset=utf-8")
	req.Header.Set("Origin", c.opts.BaseURL)
	req.Header.Set("Referer", c.opts.BaseURL+"/dashboard/reservations")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return body, nil
}

func decodeReservations(body []byte) ([]reservationPayload, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := envelope["reservations"]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, errors.New("no reservations data found in the response")
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("reservations data is not an array")
	}
	var payloads []reservationPayload
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil, fmt.Errorf("decode reservations: %w", err)
	}
	return payloads, nil
}

func (c *Client) toReservation(p reservationPayload) model.Reservation {
	r := model.Reservation{
		ID:             p.ID,
		OwnerName:      p.Owner.Name,
		RenterLastName: p.Renter.LastName,
		EventName:      p.EventName,
		Created:        parseTimestamp(p.Created),
		ApprovedDate:   parseTimestamp(p.ApprovedDate),
		LastDate:       parseTimestamp(p.LastDate),
		FeedURL:        c.FeedURL(p.ID),
		URL:            c.ReservationURL(p.ID),
	}
	if p.Total != nil {
		r.Total = *p.Total
	}
	return r
}

// parseTimestamp reads an ISO-8601 timestamp; unparseable values yield the
// zero time, which no cutoff passes.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	appLog.Debug("facilitron: unparseable timestamp", "value", s)
	return time.Time{}
}

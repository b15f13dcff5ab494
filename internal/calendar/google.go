package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

const (
	defaultBaseURL  = "https://www.googleapis.com/calendar/v3"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	defaultTimeout  = 15 * time.Second
	defaultAttempts = 5
	defaultBackoff  = time.Second
	maxBackoff      = 30 * time.Second
)

// Credentials are supplied once at construction and never mutated.
// Rotating them means building a new adapter instance.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string
	AccountEmail string
}

// GoogleCalendar implements RemoteCalendar against the Google Calendar
// REST API. Transient failures are retried with exponential backoff;
// a circuit breaker sheds load once the API keeps failing so booking
// degrades fast instead of hammering a broken upstream.
type GoogleCalendar struct {
	baseURL     string
	calendarID  string
	httpClient  *http.Client
	logger      zerolog.Logger
	maxAttempts int
	backoffBase time.Duration
	breaker     *gobreaker.CircuitBreaker[[]byte]
}

type GoogleOption func(*GoogleCalendar)

// WithBaseURL points the adapter at a different endpoint, used by tests.
func WithBaseURL(baseURL string) GoogleOption {
	return func(g *GoogleCalendar) { g.baseURL = baseURL }
}

// WithHTTPClient replaces the oauth2 client, used by tests.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(g *GoogleCalendar) { g.httpClient = c }
}

// WithBackoff tunes the retry schedule, used by tests.
func WithBackoff(base time.Duration, attempts int) GoogleOption {
	return func(g *GoogleCalendar) {
		g.backoffBase = base
		g.maxAttempts = attempts
	}
}

// NewGoogleCalendar builds the adapter. The oauth2 token source refreshes
// access tokens from the long-lived refresh token transparently.
func NewGoogleCalendar(creds Credentials, logger zerolog.Logger, opts ...GoogleOption) (*GoogleCalendar, error) {
	if creds.CalendarID == "" {
		return nil, errors.New("calendar id is required")
	}

	g := &GoogleCalendar{
		baseURL:     defaultBaseURL,
		calendarID:  creds.CalendarID,
		logger:      logger,
		maxAttempts: defaultAttempts,
		backoffBase: defaultBackoff,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.httpClient == nil {
		if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
			return nil, errors.New("google credentials are required")
		}
		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
			Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		}
		src := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: creds.RefreshToken})
		g.httpClient = oauth2.NewClient(context.Background(), src)
		g.httpClient.Timeout = defaultTimeout
	}

	g.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "google-calendar",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Conflicts and missing events are answers, not outages.
			return err == nil || errors.Is(err, ErrRemoteConflict) || errors.Is(err, ErrEventNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return g, nil
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type eventBody struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type eventList struct {
	Items []eventBody `json:"items"`
}

// CreateEvent inserts an event covering the slot. The idempotency key is
// sent as the client-generated event id, so a retried insert lands on
// the same remote event instead of duplicating it. An overlapping
// foreign event yields ErrRemoteConflict.
func (g *GoogleCalendar) CreateEvent(ctx context.Context, s slot.Slot, summary, description, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		return "", errors.New("idempotency key is required")
	}

	existing, err := g.ListEvents(ctx, s.Start, s.End)
	if err != nil {
		return "", err
	}
	for _, ev := range existing {
		if ev.ID == idempotencyKey {
			// A previous attempt already landed.
			return ev.ID, nil
		}
		if s.Overlaps(slot.Slot{Start: ev.Start, End: ev.End}) {
			return "", fmt.Errorf("%w: event %s occupies %s", ErrRemoteConflict, ev.ID, s)
		}
	}

	body, err := json.Marshal(eventBody{
		ID:          idempotencyKey,
		Summary:     summary,
		Description: description,
		Start:       eventTime{DateTime: s.Start.Format(time.RFC3339)},
		End:         eventTime{DateTime: s.End.Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(g.calendarID))
	data, err := g.invoke(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		if errors.Is(err, ErrRemoteConflict) {
			// The id already exists remotely: this is our own earlier
			// insert surfacing through a retry.
			return idempotencyKey, nil
		}
		return "", err
	}

	var created eventBody
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created event: %w", err)
	}
	if created.ID == "" {
		created.ID = idempotencyKey
	}
	return created.ID, nil
}

// DeleteEvent removes an event. A missing event is treated as success.
func (g *GoogleCalendar) DeleteEvent(ctx context.Context, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(g.calendarID), url.PathEscape(eventID))
	_, err := g.invoke(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrEventNotFound) {
		return nil
	}
	return err
}

// ListEvents returns events overlapping [from, to), skipping all-day
// entries that carry no concrete time.
func (g *GoogleCalendar) ListEvents(ctx context.Context, from, to time.Time) ([]RemoteEvent, error) {
	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", to.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")

	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(g.calendarID))
	data, err := g.invoke(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}

	var list eventList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode event list: %w", err)
	}

	out := make([]RemoteEvent, 0, len(list.Items))
	for _, item := range list.Items {
		if item.Start.DateTime == "" || item.End.DateTime == "" {
			continue
		}
		start, err1 := time.Parse(time.RFC3339, item.Start.DateTime)
		end, err2 := time.Parse(time.RFC3339, item.End.DateTime)
		if err1 != nil || err2 != nil {
			g.logger.Warn().Str("event_id", item.ID).Msg("skipping event with unparsable times")
			continue
		}
		out = append(out, RemoteEvent{
			ID:      item.ID,
			Start:   start,
			End:     end,
			Summary: item.Summary,
		})
	}
	return out, nil
}

// invoke performs one API call through the circuit breaker, retrying
// transient failures with exponential backoff (base 1s, factor 2,
// capped at 30s, 5 attempts). Auth failures are never retried.
func (g *GoogleCalendar) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	data, err := g.breaker.Execute(func() ([]byte, error) {
		return g.doWithRetry(ctx, method, path, query, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open", ErrRemoteUnavailable)
	}
	return data, err
}

func (g *GoogleCalendar) doWithRetry(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	fullURL := g.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryableNetErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
			}
			lastErr = err
			g.logRetry(method, path, attempt, 0, err)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			// Fatal to this adapter instance: no retry, credential
			// refresh happens out-of-band.
			return nil, fmt.Errorf("%w: status %d", ErrRemoteAuth, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, ErrEventNotFound
		case resp.StatusCode == http.StatusConflict:
			return nil, ErrRemoteConflict
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
			g.logRetry(method, path, attempt, resp.StatusCode, lastErr)
			continue
		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, resp.StatusCode, truncate(data, 200))
		}
	}

	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrRemoteUnavailable, lastErr)
}

func (g *GoogleCalendar) sleep(ctx context.Context, attempt int) error {
	delay := g.backoffBase * time.Duration(1<<attempt)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *GoogleCalendar) logRetry(method, path string, attempt, status int, err error) {
	g.logger.Warn().
		Str("method", method).
		Str("path", path).
		Int("attempt", attempt+1).
		Int("status", status).
		Err(err).
		Msg("remote calendar retry")
}

func retryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

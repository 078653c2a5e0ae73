package timesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultEndpoint = "https://app.ticketmaster.com/safetix/configuration/v1/config"

	userAgent     = "secure-entry-go/1"
	cacheBustKey  = "cb"
	maxBodyLength = 1 << 16
)

type Error struct {
	msg string
}

func (e Error) Error() string {
	return e.msg
}

type serverTimeResponse struct {
	ServerTime string `json:"serverTime"`
}

// fetchServerTime asks the endpoint for its clock. The JSON serverTime is
// preferred; the Date header is the fallback when the body carries none.
func (s *Service) fetchServerTime(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reqURL, err := s.requestURL()
	if err != nil {
		return time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	s.metrics.request()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return time.Time{}, Error{msg: fmt.Sprintf("bad resp code: %d", resp.StatusCode)}
	}

	var body serverTimeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyLength)).Decode(&body); err == nil && body.ServerTime != "" {
		if serverTime, err := time.Parse(time.RFC3339Nano, body.ServerTime); err == nil {
			return serverTime, nil
		}
	}

	if serverTime, ok := parseDateHeader(resp); ok {
		return serverTime, nil
	}
	return time.Time{}, Error{msg: "no server time in response"}
}

func (s *Service) requestURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid time endpoint %q: %w", s.endpoint, err)
	}
	q := u.Query()
	q.Set(cacheBustKey, uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseDateHeader(resp *http.Response) (time.Time, bool) {
	dateStr := resp.Header.Get("Date")
	if dateStr == "" {
		return time.Time{}, false
	}
	serverTime, err := http.ParseTime(dateStr)
	if err != nil {
		return time.Time{}, false
	}
	return serverTime, true
}

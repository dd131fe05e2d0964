package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/augur/internal/domain"
)

// MaxRemoteRunes is the longest text sent to the remote scorer.
const MaxRemoteRunes = 512

// RemoteScore is the classification of the remote model.
type RemoteScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Signed maps the classification onto -1..1: negative labels flip the score and
// neutral labels count as zero.
func (s RemoteScore) Signed() float64 {
	switch strings.ToLower(s.Label) {
	case "positive":
		return s.Score
	case "negative":
		return -s.Score
	}
	return 0
}

// Remote is a text classification backend.
type Remote interface {
	Score(ctx context.Context, text string) (RemoteScore, error)
}

// Client calls a remote classification service over HTTP.
// The service accepts {"text": ...} and answers {"label": ..., "score": ...}.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a client for the service at url limited to rps requests per second.
func NewClient(url string, rps float64, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:        log.With().Str("component", "sentiment_client").Logger(),
	}
}

// Score classifies text. Every failure is an UpstreamUnavailableError.
func (c *Client) Score(ctx context.Context, text string) (RemoteScore, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return RemoteScore{}, unavailable(err)
	}

	body, err := json.Marshal(map[string]string{"text": Truncate(text, MaxRemoteRunes)})
	if err != nil {
		return RemoteScore{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/analyze", bytes.NewReader(body))
	if err != nil {
		return RemoteScore{}, unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RemoteScore{}, unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RemoteScore{}, unavailable(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out RemoteScore
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RemoteScore{}, unavailable(fmt.Errorf("failed to decode response: %w", err))
	}
	c.log.Debug().Str("label", out.Label).Float64("score", out.Score).Dur("duration", time.Since(start)).Msg("Remote sentiment scored")
	return out, nil
}

// Truncate cuts text to at most n runes.
func Truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

func unavailable(err error) error {
	return &domain.UpstreamUnavailableError{Service: "sentiment", Err: err}
}

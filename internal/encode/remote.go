package encode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/iPhoenixNez/autocast/models"
)

// RemoteEncoder calls an external FiD encoder service over HTTP. Outputs are
// always detached: gradients cannot cross the wire, so finetuning silently
// degrades to frozen-encoder training.
type RemoteEncoder struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	url        string
	logger     zerolog.Logger
}

// NewRemoteEncoder creates a rate-limited client for the given service URL.
func NewRemoteEncoder(url string, timeout time.Duration) *RemoteEncoder {
	return &RemoteEncoder{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5), // 5 requests per second
		url:     url,
		logger:  log.With().Str("component", "remote_encoder").Logger(),
	}
}

// SetTrain is a no-op: the remote service owns its own mode and this client
// never trains it.
func (e *RemoteEncoder) SetTrain(train bool) {
	if train {
		e.logger.Debug().Msg("train mode requested on remote encoder, outputs stay detached")
	}
}

type encodeRequest struct {
	Examples []wireExample `json:"examples"`
}

type wireExample struct {
	Day      int                        `json:"day"`
	Question string                     `json:"question"`
	Choices  models.Choices             `json:"choices"`
	Answers  []string                   `json:"answers"`
	Ctxs     []models.RetrievedDocument `json:"ctxs"`
}

type encodeResponse struct {
	Vectors [][]float64 `json:"vectors"`
	Error   string      `json:"error,omitempty"`
}

// Encode posts the sub-examples to the service and returns one hidden vector
// per input, in order.
func (e *RemoteEncoder) Encode(ctx context.Context, subs []models.SubExample) ([][]float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	reqBody := encodeRequest{Examples: make([]wireExample, len(subs))}
	for i, s := range subs {
		reqBody.Examples[i] = wireExample{
			Day:      s.Day,
			Question: s.Question,
			Choices:  s.Choices,
			Answers:  s.Answers,
			Ctxs:     s.Ctxs,
		}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling encode request: %w", err)
	}

	e.logger.Debug().Int("examples", len(subs)).Msg("Encoding sub-examples remotely")

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("non-200 status code: %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		return nil
	}

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoffStrategy, ctx)); err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	var data encodeResponse
	if err := json.Unmarshal(body, &data); err != nil {
		e.logger.Error().Err(err).Str("response", string(body)).Msg("Error parsing JSON")
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if data.Error != "" {
		return nil, fmt.Errorf("encoder service error: %s", data.Error)
	}
	if len(data.Vectors) != len(subs) {
		return nil, fmt.Errorf("encoder service returned %d vectors for %d examples", len(data.Vectors), len(subs))
	}

	return data.Vectors, nil
}

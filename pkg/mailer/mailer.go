package mailer

//go:generate mockgen -destination=mock/sender.go -package=mock partners-controlplane/pkg/mailer Sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"partners-controlplane/pkg/config"

	"github.com/sony/gobreaker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MaxBatchSize is the largest batch the provider accepts in one request.
const MaxBatchSize = 100

type Email struct {
	To      string            `json:"to"`
	From    string            `json:"from,omitempty"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Result carries the provider message id of the email at the same index.
type Result struct {
	MessageID string `json:"id"`
}

type Sender interface {
	SendBatch(ctx context.Context, emails []Email) ([]Result, error)
}

var Module = fx.Module("mailer",
	fx.Provide(fx.Annotate(NewHTTPSender, fx.As(new(Sender)))),
)

type HTTPSender struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewHTTPSender(cfg *config.Config) *HTTPSender {
	return &HTTPSender{
		endpoint: cfg.Mailer.Endpoint,
		apiKey:   cfg.Mailer.APIKey,
		from:     cfg.Mailer.From,
		client:   &http.Client{Timeout: cfg.Mailer.Timeout},
		logger:   zap.L().Named("mailer"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mailer",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				zap.L().Warn("mailer circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

type batchResponse struct {
	Data []Result `json:"data"`
}

func (s *HTTPSender) SendBatch(ctx context.Context, emails []Email) ([]Result, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	if len(emails) > MaxBatchSize {
		return nil, fmt.Errorf("mailer: batch of %d exceeds %d", len(emails), MaxBatchSize)
	}

	batch := make([]Email, len(emails))
	copy(batch, emails)
	for i := range batch {
		if batch[i].From == "" {
			batch[i].From = s.from
		}
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	// The provider accepted the batch, so a short or long id list is not a
	// reason to send it again.
	results := out.([]Result)
	if len(results) != len(batch) {
		s.logger.Warn("provider returned unexpected result count",
			zap.Int("emails", len(batch)), zap.Int("results", len(results)))
		if len(results) > len(batch) {
			results = results[:len(batch)]
		}
	}
	return results, nil
}

func (s *HTTPSender) post(ctx context.Context, emails []Email) ([]Result, error) {
	body, err := json.Marshal(emails)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/emails/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailer: send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("mailer: provider status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("mailer: decode response: %w", err)
	}
	return parsed.Data, nil
}

// Package notification sends transactional emails for workflow side effects.
// Delivery is best effort: callers log failures and never roll back the
// change that caused the email.
package notification

import (
	"context"
	"fmt"

	"partners-controlplane/pkg/mailer"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var emailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "notification_emails_total",
	Help: "Emails handed to the provider, by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(emailsSent)
}

var Module = fx.Module("notification", fx.Provide(NewNotifier))

type Params struct {
	fx.In

	Sender mailer.Sender
	Logger *zap.Logger `optional:"true"`
}

type Notifier struct {
	sender mailer.Sender
	logger *zap.Logger
}

func NewNotifier(p Params) *Notifier {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sender: p.Sender, logger: logger.Named("notification")}
}

// Send delivers emails in provider sized batches and returns the results
// of every batch that succeeded. It stops at the first failed batch.
func (n *Notifier) Send(ctx context.Context, kind string, emails []mailer.Email) ([]mailer.Result, error) {
	results := make([]mailer.Result, 0, len(emails))
	for start := 0; start < len(emails); start += mailer.MaxBatchSize {
		end := min(start+mailer.MaxBatchSize, len(emails))
		batch := emails[start:end]

		res, err := n.sender.SendBatch(ctx, batch)
		if err != nil {
			emailsSent.WithLabelValues(kind, "failure").Add(float64(len(batch)))
			n.logger.Warn("email batch failed",
				zap.String("kind", kind), zap.Int("sent", start), zap.Int("total", len(emails)), zap.Error(err))
			return results, fmt.Errorf("send %s emails: %w", kind, err)
		}
		emailsSent.WithLabelValues(kind, "success").Add(float64(len(batch)))
		results = append(results, res...)
	}
	return results, nil
}

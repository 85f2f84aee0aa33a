package program

import (
	"context"
	"time"

	"partners-controlplane/services/condition"
)

// MetricsStore reads partner performance counters as condition attributes.
type MetricsStore interface {
	Snapshot(ctx context.Context, programID, partnerID string) (condition.Attributes, error)
	Snapshots(ctx context.Context, programID string, partnerIDs []string) (map[string]condition.Attributes, error)
}

// Attributes converts the counters to condition attributes. A nil receiver
// means no activity was recorded, which is reported as zero.
func (m *PartnerMetrics) Attributes(enrolledAt, now time.Time) condition.Attributes {
	if m == nil {
		m = &PartnerMetrics{}
	}
	attrs := condition.Attributes{
		condition.TotalLeads:       condition.Int(m.Leads),
		condition.TotalConversions: condition.Int(m.Conversions),
		condition.TotalSaleAmount:  condition.Int(m.SaleAmount),
		condition.TotalCommissions: condition.Int(m.Commissions),
		condition.TotalClicks:      condition.Int(m.Clicks),
		condition.TotalSales:       condition.Int(m.Sales),
	}
	if !enrolledAt.IsZero() {
		attrs[condition.PartnerEnrolledDays] = condition.Int(int64(now.Sub(enrolledAt) / (24 * time.Hour)))
	}
	return attrs
}

package bounty

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CommissionRequest struct {
	ProgramID   string
	PartnerID   string
	BountyID    string
	Amount      int64
	Description string
}

// CommissionIssuer creates a commission using tx. It runs inside the award
// transaction, so a returned error leaves the submission unchanged.
type CommissionIssuer func(ctx context.Context, tx *gorm.DB, req CommissionRequest) (*Commission, error)

// NewCommissionIssuer writes pending custom commissions.
func NewCommissionIssuer(node *snowflake.Node) CommissionIssuer {
	return func(ctx context.Context, tx *gorm.DB, req CommissionRequest) (*Commission, error) {
		bountyID := req.BountyID
		c := &Commission{
			ID:          node.Generate().String(),
			ProgramID:   req.ProgramID,
			PartnerID:   req.PartnerID,
			BountyID:    &bountyID,
			Type:        "custom",
			Amount:      req.Amount,
			Status:      CommissionPending,
			Description: req.Description,
		}
		if err := tx.WithContext(ctx).Create(c).Error; err != nil {
			return nil, fmt.Errorf("create commission: %w", err)
		}
		return c, nil
	}
}

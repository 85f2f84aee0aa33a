package bounty

import (
	"context"
	"errors"
	"time"

	"partners-controlplane/pkg/db/option"
	"partners-controlplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Key identifies a submission. BountyID and PartnerID form the unique pair;
// ProgramID is stored on insert.
type Key struct {
	ProgramID string
	BountyID  string
	PartnerID string
}

// TransitionFunc mutates the locked submission inside the transaction and
// reports whether it changed. Returning an error rolls back every write made
// through tx, including the row insert.
type TransitionFunc func(tx *gorm.DB, s *Submission) (bool, error)

type Repository interface {
	GetBounty(ctx context.Context, programID, bountyID string) (*Bounty, error)
	ListActivePerformanceBounties(ctx context.Context, programID string, now time.Time) ([]Bounty, error)
	GetSubmission(ctx context.Context, bountyID, partnerID string) (*Submission, error)

	// Transition is the only write path for an existing submission. It
	// upserts the row for key, locks it and hands it to fn.
	Transition(ctx context.Context, key Key, fn TransitionFunc) (*Submission, error)

	// CreateDrafts inserts draft submissions, skipping pairs that exist.
	CreateDrafts(ctx context.Context, keys []Key) (int64, error)
}

type gormRepository struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewRepository(db *gorm.DB, node *snowflake.Node) Repository {
	return &gormRepository{db: db, node: node}
}

func (r *gormRepository) GetBounty(ctx context.Context, programID, bountyID string) (*Bounty, error) {
	var b Bounty
	err := r.db.WithContext(ctx).
		Preload("Groups").
		Where("program_id = ? AND id = ?", programID, bountyID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("bounty not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) ListActivePerformanceBounties(ctx context.Context, programID string, now time.Time) ([]Bounty, error) {
	var out []Bounty
	err := r.db.WithContext(ctx).
		Preload("Groups").
		Where("program_id = ? AND type = ? AND archived_at IS NULL", programID, TypePerformance).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", now, now).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *gormRepository) GetSubmission(ctx context.Context, bountyID, partnerID string) (*Submission, error) {
	var s Submission
	err := r.db.WithContext(ctx).
		Where("bounty_id = ? AND partner_id = ?", bountyID, partnerID).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("submission not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) newDraft(key Key) *Submission {
	return &Submission{
		ID:        r.node.Generate().String(),
		ProgramID: key.ProgramID,
		BountyID:  key.BountyID,
		PartnerID: key.PartnerID,
		Status:    StatusDraft,
	}
}

func (r *gormRepository) Transition(ctx context.Context, key Key, fn TransitionFunc) (*Submission, error) {
	var out Submission
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(option.InsertIgnore("bounty_id", "partner_id")).
			Create(r.newDraft(key)).Error; err != nil {
			return err
		}

		var s Submission
		if err := tx.Scopes(option.LockingUpdate).
			Where("bounty_id = ? AND partner_id = ?", key.BountyID, key.PartnerID).
			First(&s).Error; err != nil {
			return err
		}

		changed, err := fn(tx, &s)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.Save(&s).Error; err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *gormRepository) CreateDrafts(ctx context.Context, keys []Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	rows := make([]*Submission, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, r.newDraft(k))
	}
	res := r.db.WithContext(ctx).
		Scopes(option.InsertIgnore("bounty_id", "partner_id")).
		CreateInBatches(rows, 100)
	return res.RowsAffected, res.Error
}

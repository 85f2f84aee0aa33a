package program

import (
	"context"
	"errors"
	"time"

	"partners-controlplane/pkg/db/pagination"
	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/condition"

	"gorm.io/gorm"
)

// EnrollmentQuery selects a page of enrollments in id order.
type EnrollmentQuery struct {
	ProgramID string
	GroupIDs  []string
	Status    EnrollmentStatus
	Cursor    *pagination.Cursor
	Limit     int
}

type Repository interface {
	MetricsStore

	GetGroup(ctx context.Context, programID, groupID string) (*PartnerGroup, error)
	GetGroups(ctx context.Context, programID string, groupIDs []string) (map[string]PartnerGroup, error)
	GetEnrollment(ctx context.Context, programID, partnerID string) (*ProgramEnrollment, error)
	ListEnrollments(ctx context.Context, q EnrollmentQuery) ([]ProgramEnrollment, error)
	GetPartner(ctx context.Context, partnerID string) (*Partner, error)
	GetPartners(ctx context.Context, partnerIDs []string) (map[string]Partner, error)
	GetProgram(ctx context.Context, programID string) (*Program, error)
	ListOwnersToNotify(ctx context.Context, programID string) ([]ProgramUser, error)
}

type gormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db, now: time.Now}
}

func notFound(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(what+" not found", err)
	}
	return err
}

func (r *gormRepository) GetGroup(ctx context.Context, programID, groupID string) (*PartnerGroup, error) {
	var g PartnerGroup
	err := r.db.WithContext(ctx).
		Where("program_id = ? AND id = ?", programID, groupID).
		First(&g).Error
	if err != nil {
		return nil, notFound("group", err)
	}
	return &g, nil
}

func (r *gormRepository) GetGroups(ctx context.Context, programID string, groupIDs []string) (map[string]PartnerGroup, error) {
	out := make(map[string]PartnerGroup, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}

	var groups []PartnerGroup
	if err := r.db.WithContext(ctx).
		Where("program_id = ? AND id IN ?", programID, groupIDs).
		Find(&groups).Error; err != nil {
		return nil, err
	}
	for _, g := range groups {
		out[g.ID] = g
	}
	return out, nil
}

func (r *gormRepository) GetEnrollment(ctx context.Context, programID, partnerID string) (*ProgramEnrollment, error) {
	var e ProgramEnrollment
	err := r.db.WithContext(ctx).
		Preload("Partner").
		Where("program_id = ? AND partner_id = ?", programID, partnerID).
		First(&e).Error
	if err != nil {
		return nil, notFound("enrollment", err)
	}
	return &e, nil
}

func (r *gormRepository) ListEnrollments(ctx context.Context, q EnrollmentQuery) ([]ProgramEnrollment, error) {
	query := r.db.WithContext(ctx).
		Preload("Partner").
		Where("program_id = ?", q.ProgramID)

	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if len(q.GroupIDs) > 0 {
		query = query.Where("group_id IN ?", q.GroupIDs)
	}

	var rows []ProgramEnrollment
	if err := query.Scopes(pagination.After("id", q.Cursor, q.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *gormRepository) GetPartner(ctx context.Context, partnerID string) (*Partner, error) {
	var p Partner
	if err := r.db.WithContext(ctx).Where("id = ?", partnerID).First(&p).Error; err != nil {
		return nil, notFound("partner", err)
	}
	return &p, nil
}

func (r *gormRepository) GetPartners(ctx context.Context, partnerIDs []string) (map[string]Partner, error) {
	out := make(map[string]Partner, len(partnerIDs))
	if len(partnerIDs) == 0 {
		return out, nil
	}

	var partners []Partner
	if err := r.db.WithContext(ctx).Where("id IN ?", partnerIDs).Find(&partners).Error; err != nil {
		return nil, err
	}
	for _, p := range partners {
		out[p.ID] = p
	}
	return out, nil
}

func (r *gormRepository) GetProgram(ctx context.Context, programID string) (*Program, error) {
	var p Program
	if err := r.db.WithContext(ctx).Where("id = ?", programID).First(&p).Error; err != nil {
		return nil, notFound("program", err)
	}
	return &p, nil
}

func (r *gormRepository) ListOwnersToNotify(ctx context.Context, programID string) ([]ProgramUser, error) {
	var users []ProgramUser
	err := r.db.WithContext(ctx).
		Where("program_id = ? AND role = ? AND notify_new_bounty_submitted = ?", programID, "owner", true).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

func (r *gormRepository) Snapshot(ctx context.Context, programID, partnerID string) (condition.Attributes, error) {
	snaps, err := r.Snapshots(ctx, programID, []string{partnerID})
	if err != nil {
		return nil, err
	}
	attrs, ok := snaps[partnerID]
	if !ok {
		return nil, errutil.NotFound("enrollment not found", nil)
	}
	return attrs, nil
}

// Snapshots returns the attributes of every enrolled partner in partnerIDs.
// Partners without an enrollment are absent from the result.
func (r *gormRepository) Snapshots(ctx context.Context, programID string, partnerIDs []string) (map[string]condition.Attributes, error) {
	out := make(map[string]condition.Attributes, len(partnerIDs))
	if len(partnerIDs) == 0 {
		return out, nil
	}

	var enrollments []ProgramEnrollment
	if err := r.db.WithContext(ctx).
		Select("partner_id", "created_at").
		Where("program_id = ? AND partner_id IN ?", programID, partnerIDs).
		Find(&enrollments).Error; err != nil {
		return nil, err
	}

	var metrics []PartnerMetrics
	if err := r.db.WithContext(ctx).
		Where("program_id = ? AND partner_id IN ?", programID, partnerIDs).
		Find(&metrics).Error; err != nil {
		return nil, err
	}
	byPartner := make(map[string]*PartnerMetrics, len(metrics))
	for i := range metrics {
		byPartner[metrics[i].PartnerID] = &metrics[i]
	}

	now := r.now()
	for _, e := range enrollments {
		out[e.PartnerID] = byPartner[e.PartnerID].Attributes(e.CreatedAt, now)
	}
	return out, nil
}

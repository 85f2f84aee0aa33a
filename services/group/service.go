package group

import (
	"context"
	"encoding/json"
	"fmt"

	"partners-controlplane/pkg/db/option"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/audit"
	"partners-controlplane/services/bounty"
	"partners-controlplane/services/program"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ActionGroupChanged = "partner.group_changed"

type Params struct {
	fx.In

	DB          *gorm.DB
	Node        *snowflake.Node
	Programs    program.Repository
	Coordinator schedule.Coordinator
	Audit       audit.Recorder
	Logger      *zap.Logger `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	programs    program.Repository
	coordinator schedule.Coordinator
	audit       audit.Recorder
	logger      *zap.Logger
}

func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		programs:    p.Programs,
		coordinator: p.Coordinator,
		audit:       p.Audit,
		logger:      logger.Named("group"),
	}
}

// MovePartnersToGroup assigns the enrolled partners in partnerIDs to groupID
// and returns how many enrollments changed. Partners without an enrollment or
// already in the group are not counted. Side effects run only when the count
// is positive and never undo the move.
func (s *Service) MovePartnersToGroup(ctx context.Context, programID string, partnerIDs []string, groupID string, actor audit.Actor) (int64, error) {
	target, err := s.programs.GetGroup(ctx, programID, groupID)
	if err != nil {
		return 0, err
	}
	if len(partnerIDs) == 0 {
		return 0, nil
	}

	var moved []program.ProgramEnrollment
	var changed int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(option.LockingUpdate).
			Select("id", "partner_id", "group_id").
			Where("program_id = ? AND partner_id IN ?", programID, partnerIDs).
			Where("(group_id IS NULL OR group_id <> ?)", groupID).
			Order("id ASC").
			Find(&moved).Error; err != nil {
			return err
		}
		if len(moved) == 0 {
			return nil
		}

		ids := make([]string, 0, len(moved))
		for _, e := range moved {
			ids = append(ids, e.ID)
		}
		res := tx.Model(&program.ProgramEnrollment{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"group_id":        target.ID,
				"click_reward_id": target.ClickRewardID,
				"lead_reward_id":  target.LeadRewardID,
				"sale_reward_id":  target.SaleRewardID,
				"discount_id":     target.DiscountID,
			})
		changed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("move partners to group %s: %w", groupID, err)
	}
	if changed == 0 {
		return 0, nil
	}

	movedIDs := make([]string, 0, len(moved))
	for _, e := range moved {
		movedIDs = append(movedIDs, e.PartnerID)
	}

	log := s.logger.With(zap.String("program_id", programID), zap.String("group_id", groupID))
	log.Info("partners moved to group", zap.Int64("count", changed))

	s.fanOut(ctx, log, MovedPayload{ProgramID: programID, GroupID: groupID, PartnerIDs: movedIDs})
	s.recordAudit(ctx, log, programID, target, moved, actor)

	return changed, nil
}

func (s *Service) fanOut(ctx context.Context, log *zap.Logger, p MovedPayload) {
	moveID := s.node.Generate().String()

	moved, err := json.Marshal(p)
	if err != nil {
		log.Warn("failed to encode group fan-out payload", zap.Error(err))
		return
	}
	seed, err := json.Marshal(bounty.SeedPayload(p))
	if err != nil {
		log.Warn("failed to encode bounty seed payload", zap.Error(err))
		return
	}

	jobs := []schedule.Message{
		{Destination: taskname.GroupRemapLinks, Body: moved},
		{Destination: taskname.GroupRemapDiscountCodes, Body: moved},
		{Destination: taskname.BountySeedSubmissions, Body: seed},
		{Destination: taskname.GroupNotifyPartners, Body: moved},
	}
	for _, job := range jobs {
		job.ID = job.Destination + ":" + moveID
		if _, err := s.coordinator.Publish(ctx, job); err != nil {
			log.Warn("failed to publish group fan-out job",
				zap.String("task_type", job.Destination), zap.Error(err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, log *zap.Logger, programID string, target *program.PartnerGroup, moved []program.ProgramEnrollment, actor audit.Actor) {
	var previousIDs []string
	for _, e := range moved {
		if e.GroupID != nil {
			previousIDs = append(previousIDs, *e.GroupID)
		}
	}
	previous, err := s.programs.GetGroups(ctx, programID, previousIDs)
	if err != nil {
		log.Warn("failed to load previous groups for audit", zap.Error(err))
		return
	}

	next := groupRef{ID: target.ID, Name: target.Name}
	entries := make([]audit.Entry, 0, len(moved))
	for _, e := range moved {
		var old any
		if e.GroupID != nil {
			g := previous[*e.GroupID]
			old = groupRef{ID: *e.GroupID, Name: g.Name}
		}
		entries = append(entries, audit.Entry{
			ProgramID:   programID,
			Action:      ActionGroupChanged,
			Actor:       actor,
			Target:      audit.Target{Type: "partner", ID: e.PartnerID},
			Description: fmt.Sprintf("Partner moved to group %s", target.Name),
			Old:         old,
			New:         next,
		})
	}

	if _, err := s.audit.Record(ctx, entries...); err != nil {
		log.Warn("failed to record group change audit logs", zap.Error(err))
	}
}

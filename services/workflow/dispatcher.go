package workflow

import (
	"context"
	"errors"
	"fmt"

	"partners-controlplane/pkg/db/pagination"
	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/audit"
	"partners-controlplane/services/bounty"
	"partners-controlplane/services/campaign"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/group"
	"partners-controlplane/services/program"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// tickPageSize bounds how many enrollments a scheduled move evaluates per query.
const tickPageSize = 100

type finder interface {
	Find(ctx context.Context, programID string, trigger Trigger) ([]Definition, error)
}

type bountyAwarder interface {
	RecordPerformanceEvent(ctx context.Context, ev bounty.PerformanceEvent) (*bounty.Outcome, error)
}

type groupMover interface {
	MovePartnersToGroup(ctx context.Context, programID string, partnerIDs []string, groupID string, actor audit.Actor) (int64, error)
}

type campaignBroadcaster interface {
	Broadcast(ctx context.Context, req campaign.BroadcastRequest) (*campaign.BroadcastResult, error)
}

type DispatcherParams struct {
	fx.In

	Registry  *Registry
	Evaluator *condition.Evaluator
	Programs  program.Repository
	Bounties  *bounty.Service
	Groups    *group.Service
	Campaigns *campaign.Service
	Logger    *zap.Logger `optional:"true"`
}

type Dispatcher struct {
	registry  finder
	evaluator *condition.Evaluator
	programs  program.Repository
	bounties  bountyAwarder
	groups    groupMover
	campaigns campaignBroadcaster
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  p.Registry,
		evaluator: p.Evaluator,
		programs:  p.Programs,
		bounties:  p.Bounties,
		groups:    p.Groups,
		campaigns: p.Campaigns,
		tracer:    otel.Tracer("partners-controlplane/workflow"),
		logger:    logger.Named("workflow.dispatcher"),
	}
}

// skippable reports errors that retrying cannot fix: bad configuration and
// references to rows that no longer exist.
func skippable(err error) bool {
	switch errutil.StatusOf(err) {
	case errutil.StatusValidationFailed, errutil.StatusNotFound:
		return true
	}
	return false
}

// Targets returns the ids of the enabled workflows ev would run.
func (d *Dispatcher) Targets(ctx context.Context, ev Event) ([]string, error) {
	defs, err := d.registry.Find(ctx, ev.ProgramID, ev.Trigger)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if ev.WorkflowID == "" || def.ID == ev.WorkflowID {
			ids = append(ids, def.ID)
		}
	}
	return ids, nil
}

// Dispatch runs every enabled workflow matching ev. Configuration and
// not-found errors skip that workflow only. Other failures are joined and
// returned. A retried Dispatch runs the successful workflows again: bounty
// progress is counted once per event ID, but only when ev.ID is set, so the
// task handler retries one workflow at a time.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "workflow.Dispatch", trace.WithAttributes(
		attribute.String("trigger", string(ev.Trigger)),
		attribute.String("program_id", ev.ProgramID),
		attribute.String("partner_id", ev.PartnerID),
	))
	defer span.End()

	defs, err := d.registry.Find(ctx, ev.ProgramID, ev.Trigger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var errs []error
	for _, def := range defs {
		if ev.WorkflowID != "" && def.ID != ev.WorkflowID {
			continue
		}

		log := d.logger.With(
			zap.String("workflow_id", def.ID),
			zap.String("program_id", ev.ProgramID),
			zap.String("partner_id", ev.PartnerID),
			zap.String("action", string(def.Action.Type())),
		)

		err := d.run(ctx, def, ev, log)
		switch {
		case err == nil:
		case skippable(err):
			log.Warn("workflow skipped", zap.Error(err))
		default:
			log.Error("workflow failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "workflow actions failed")
		return err
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, def Definition, ev Event, log *zap.Logger) error {
	ctx, span := d.tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("workflow_id", def.ID),
		attribute.String("action", string(def.Action.Type())),
	))
	defer span.End()

	switch a := def.Action.(type) {
	case AwardBounty:
		return d.awardBounty(ctx, def, a, ev, log)
	case MoveGroup:
		return d.moveGroup(ctx, def, a, ev, log)
	case SendCampaign:
		return d.sendCampaign(ctx, def, a, ev, log)
	default:
		return errutil.ValidationFailed(fmt.Sprintf("unsupported action %T", def.Action), nil)
	}
}

func (d *Dispatcher) awardBounty(ctx context.Context, def Definition, a AwardBounty, ev Event, log *zap.Logger) error {
	if ev.PartnerID == "" {
		log.Debug("bounty award needs a partner, skipping")
		return nil
	}
	increment, ok := ev.Current.Value(def.Condition.Attribute)
	if !ok {
		log.Debug("event carries no value for the condition attribute, skipping")
		return nil
	}

	var eventID string
	if ev.ID != "" {
		eventID = ev.ID + ":" + def.ID
	}

	_, err := d.bounties.RecordPerformanceEvent(ctx, bounty.PerformanceEvent{
		EventID:   eventID,
		ProgramID: ev.ProgramID,
		BountyID:  a.BountyID,
		PartnerID: ev.PartnerID,
		Increment: increment,
		Condition: def.Condition,
	})
	return err
}

func (d *Dispatcher) totals(ctx context.Context, ev Event) (condition.Attributes, error) {
	if ev.Totals != nil {
		return ev.Totals, nil
	}
	return d.programs.Snapshot(ctx, ev.ProgramID, ev.PartnerID)
}

func (d *Dispatcher) moveGroup(ctx context.Context, def Definition, a MoveGroup, ev Event, log *zap.Logger) error {
	if ev.PartnerID == "" {
		if ev.Trigger != TriggerScheduledTick {
			log.Debug("group move needs a partner, skipping")
			return nil
		}
		return d.moveEligible(ctx, def, a, ev.ProgramID, log)
	}

	attrs, err := d.totals(ctx, ev)
	if err != nil {
		return err
	}
	if !d.evaluator.Evaluate(def.Condition, attrs) {
		return nil
	}
	if a.FromGroupID != nil {
		enrollment, err := d.programs.GetEnrollment(ctx, ev.ProgramID, ev.PartnerID)
		if err != nil {
			return err
		}
		if !enrollment.InGroup(*a.FromGroupID) {
			return nil
		}
	}

	moved, err := d.groups.MovePartnersToGroup(ctx, ev.ProgramID, []string{ev.PartnerID}, a.ToGroupID, audit.SystemActor)
	if err != nil {
		return err
	}
	log.Info("workflow moved partner", zap.Int64("moved", moved))
	return nil
}

// moveEligible pages through the approved enrollments of the source group
// and moves those whose metrics satisfy the condition.
func (d *Dispatcher) moveEligible(ctx context.Context, def Definition, a MoveGroup, programID string, log *zap.Logger) error {
	q := program.EnrollmentQuery{
		ProgramID: programID,
		Status:    program.EnrollmentApproved,
		Limit:     tickPageSize,
		Cursor:    &pagination.Cursor{},
	}
	if a.FromGroupID != nil {
		q.GroupIDs = []string{*a.FromGroupID}
	}

	var total int64
	for {
		page, err := d.programs.ListEnrollments(ctx, q)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]string, 0, len(page))
		for _, e := range page {
			if !e.InGroup(a.ToGroupID) {
				ids = append(ids, e.PartnerID)
			}
		}
		snapshots, err := d.programs.Snapshots(ctx, programID, ids)
		if err != nil {
			return err
		}

		var eligible []string
		for _, id := range ids {
			if d.evaluator.Evaluate(def.Condition, snapshots[id]) {
				eligible = append(eligible, id)
			}
		}
		if len(eligible) > 0 {
			moved, err := d.groups.MovePartnersToGroup(ctx, programID, eligible, a.ToGroupID, audit.SystemActor)
			if err != nil {
				return err
			}
			total += moved
		}

		if len(page) < tickPageSize {
			break
		}
		q.Cursor = &pagination.Cursor{ID: page[len(page)-1].ID}
	}

	log.Info("scheduled group move finished", zap.Int64("moved", total))
	return nil
}

func (d *Dispatcher) sendCampaign(ctx context.Context, def Definition, a SendCampaign, ev Event, log *zap.Logger) error {
	req := campaign.BroadcastRequest{CampaignID: a.CampaignID, PartnerID: ev.PartnerID}

	if ev.PartnerID != "" {
		attrs, err := d.totals(ctx, ev)
		if err != nil {
			return err
		}
		if !d.evaluator.Evaluate(def.Condition, attrs) {
			return nil
		}
		req.Attributes = attrs
	}

	res, err := d.campaigns.Broadcast(ctx, req)
	if err != nil {
		return err
	}
	log.Info("workflow campaign processed", zap.Int("sent", res.Sent), zap.Int("skipped", res.Skipped))
	return nil
}

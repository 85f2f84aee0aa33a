package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/audit"
	"partners-controlplane/services/bounty"
	"partners-controlplane/services/campaign"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/program"
	"partners-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticFinder []Definition

func (f staticFinder) Find(_ context.Context, programID string, trigger Trigger) ([]Definition, error) {
	var out []Definition
	for _, d := range f {
		if d.ProgramID == programID && d.Trigger == trigger {
			out = append(out, d)
		}
	}
	return out, nil
}

type recorder struct {
	mu         sync.Mutex
	awards     []bounty.PerformanceEvent
	moves      [][]string
	broadcasts []campaign.BroadcastRequest

	awardErr error
}

func (r *recorder) RecordPerformanceEvent(_ context.Context, ev bounty.PerformanceEvent) (*bounty.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awards = append(r.awards, ev)
	return &bounty.Outcome{}, r.awardErr
}

func (r *recorder) MovePartnersToGroup(_ context.Context, _ string, partnerIDs []string, _ string, _ audit.Actor) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, partnerIDs)
	return int64(len(partnerIDs)), nil
}

func (r *recorder) Broadcast(_ context.Context, req campaign.BroadcastRequest) (*campaign.BroadcastResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, req)
	return &campaign.BroadcastResult{Sent: 1}, nil
}

func ptr(s string) *string { return &s }

func newDispatcher(t *testing.T, db *gorm.DB, defs ...Definition) (*Dispatcher, *recorder) {
	t.Helper()
	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)
	rec := &recorder{}
	return &Dispatcher{
		registry:  staticFinder(defs),
		evaluator: evaluator,
		programs:  program.NewRepository(db),
		bounties:  rec,
		groups:    rec,
		campaigns: rec,
		tracer:    noop.NewTracerProvider().Tracer("test"),
		logger:    zap.NewNop(),
	}, rec
}

var saleThreshold = condition.Condition{Attribute: condition.TotalSaleAmount, Operator: condition.Gte, Value: 10000}

func TestDispatch_AwardBountyUsesEventContribution(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, rec := newDispatcher(t, db, Definition{
		ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded,
		Condition: saleThreshold, Action: AwardBounty{BountyID: "b_1"},
	})

	err := d.Dispatch(context.Background(), Event{
		Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(4000)},
	})
	require.NoError(t, err)
	require.Equal(t, []bounty.PerformanceEvent{{
		ProgramID: "prog_1", BountyID: "b_1", PartnerID: "pn_1", Increment: 4000, Condition: saleThreshold,
	}}, rec.awards)

	// No contribution for the attribute, no partner: nothing to record.
	require.NoError(t, d.Dispatch(context.Background(), Event{Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1"}))
	require.NoError(t, d.Dispatch(context.Background(), Event{
		Trigger: TriggerSaleRecorded, ProgramID: "prog_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(1)},
	}))
	require.Len(t, rec.awards, 1)
}

func TestDispatch_ErrorClassification(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, rec := newDispatcher(t, db,
		Definition{ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: AwardBounty{BountyID: "b_1"}},
		Definition{ID: "wf_2", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: SendCampaign{CampaignID: "c_1"}},
	)
	ev := Event{
		Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(500)},
		Totals:  condition.Attributes{condition.TotalSaleAmount: condition.Int(20000)},
	}

	rec.awardErr = errutil.NotFound("bounty not found", nil)
	require.NoError(t, d.Dispatch(context.Background(), ev))
	require.Len(t, rec.broadcasts, 1, "sibling workflow still runs")

	rec.awardErr = errors.New("connection reset")
	err := d.Dispatch(context.Background(), ev)
	require.ErrorContains(t, err, "workflow wf_1")
	require.Len(t, rec.broadcasts, 2)
}

func TestDispatch_MoveGroupForPartner(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	require.NoError(t, db.Create(&[]program.ProgramEnrollment{
		{ID: "en_1", ProgramID: "prog_1", PartnerID: "pn_1", GroupID: ptr("grp_a"), Status: program.EnrollmentApproved, CreatedAt: time.Now()},
		{ID: "en_2", ProgramID: "prog_1", PartnerID: "pn_2", GroupID: ptr("grp_c"), Status: program.EnrollmentApproved, CreatedAt: time.Now()},
	}).Error)
	require.NoError(t, db.Create(&program.PartnerMetrics{ProgramID: "prog_1", PartnerID: "pn_1", Leads: 7}).Error)

	d, rec := newDispatcher(t, db, Definition{
		ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerLeadRecorded,
		Condition: leads5, Action: MoveGroup{FromGroupID: ptr("grp_a"), ToGroupID: "grp_b"},
	})
	ctx := context.Background()

	// Totals come from the metrics store when the event has none.
	require.NoError(t, d.Dispatch(ctx, Event{Trigger: TriggerLeadRecorded, ProgramID: "prog_1", PartnerID: "pn_1"}))
	require.Equal(t, [][]string{{"pn_1"}}, rec.moves)

	// Not in the source group.
	require.NoError(t, d.Dispatch(ctx, Event{
		Trigger: TriggerLeadRecorded, ProgramID: "prog_1", PartnerID: "pn_2",
		Totals: condition.Attributes{condition.TotalLeads: condition.Int(50)},
	}))
	// Condition not met; a missing attribute fails closed.
	require.NoError(t, d.Dispatch(ctx, Event{
		Trigger: TriggerLeadRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Totals: condition.Attributes{condition.TotalClicks: condition.Int(50)},
	}))
	require.Len(t, rec.moves, 1)
}

func TestDispatch_ScheduledTickMovesEligiblePages(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	for i := 1; i <= 130; i++ {
		id := fmt.Sprintf("pn_%03d", i)
		require.NoError(t, db.Create(&program.ProgramEnrollment{
			ID: fmt.Sprintf("en_%03d", i), ProgramID: "prog_1", PartnerID: id,
			GroupID: ptr("grp_a"), Status: program.EnrollmentApproved, CreatedAt: time.Now(),
		}).Error)
		if i%10 == 0 {
			require.NoError(t, db.Create(&program.PartnerMetrics{ProgramID: "prog_1", PartnerID: id, Leads: 5}).Error)
		}
	}

	d, rec := newDispatcher(t, db,
		Definition{ID: "wf_tick", ProgramID: "prog_1", Trigger: TriggerScheduledTick, Condition: leads5, Action: MoveGroup{FromGroupID: ptr("grp_a"), ToGroupID: "grp_b"}},
		Definition{ID: "wf_other", ProgramID: "prog_1", Trigger: TriggerScheduledTick, Condition: leads5, Action: SendCampaign{CampaignID: "c_1"}},
	)

	require.NoError(t, d.Dispatch(context.Background(), Event{Trigger: TriggerScheduledTick, ProgramID: "prog_1", WorkflowID: "wf_tick"}))
	require.Len(t, rec.moves, 2)
	require.Len(t, rec.moves[0], 10)
	require.Equal(t, []string{"pn_110", "pn_120", "pn_130"}, rec.moves[1])
	require.Empty(t, rec.broadcasts)
}

func TestDispatch_SendCampaignBulkOnTick(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, rec := newDispatcher(t, db, Definition{
		ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerScheduledTick, Condition: leads5, Action: SendCampaign{CampaignID: "c_1"},
	})

	require.NoError(t, d.Dispatch(context.Background(), Event{Trigger: TriggerScheduledTick, ProgramID: "prog_1"}))
	require.Equal(t, []campaign.BroadcastRequest{{CampaignID: "c_1"}}, rec.broadcasts)
}

func TestDispatch_InvalidEvent(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, _ := newDispatcher(t, db)

	err := d.Dispatch(context.Background(), Event{Trigger: "sometimes", ProgramID: "prog_1"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

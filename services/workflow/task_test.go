package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"partners-controlplane/pkg/eventsource"
	"partners-controlplane/pkg/schedule/scheduletest"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/bounty"
	"partners-controlplane/services/campaign"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/program"
	"partners-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestHandleEventMessage(t *testing.T) {
	sched := scheduletest.New()
	tk := NewTask(TaskParams{Coordinator: sched})
	ctx := context.Background()

	value, err := json.Marshal(Event{
		Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(4000)},
	})
	require.NoError(t, err)
	msg := eventsource.Message{Topic: "events", Partition: 2, Offset: 41, Value: value}

	require.NoError(t, tk.HandleEventMessage(ctx, msg))
	require.Len(t, sched.Published, 1)
	require.Equal(t, "event:events-2-41", sched.Published[0].ID)
	require.Equal(t, taskname.WorkflowTrigger, sched.Published[0].Destination)

	// Malformed and invalid events are dropped rather than redelivered.
	require.NoError(t, tk.HandleEventMessage(ctx, eventsource.Message{Topic: "events", Value: []byte("{")}))
	require.NoError(t, tk.HandleEventMessage(ctx, eventsource.Message{Topic: "events", Value: []byte(`{"trigger":"saleRecorded"}`)}))
	require.Len(t, sched.Published, 1)
}

func TestHandleTriggerTask(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, rec := newDispatcher(t, db, Definition{
		ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: AwardBounty{BountyID: "b_1"},
	})
	tk := NewTask(TaskParams{Dispatcher: d, Coordinator: scheduletest.New()})

	body, err := json.Marshal(Event{
		ID: "evt_1", Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1", WorkflowID: "wf_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(4000)},
	})
	require.NoError(t, err)
	require.NoError(t, tk.HandleTriggerTask(context.Background(), asynq.NewTask(taskname.WorkflowTrigger, body)))
	require.Len(t, rec.awards, 1)
	require.Equal(t, "evt_1:wf_1", rec.awards[0].EventID)

	err = tk.HandleTriggerTask(context.Background(), asynq.NewTask(taskname.WorkflowTrigger, []byte(`{"trigger":"nope","programId":"p"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTriggerTask_QueuesOneTaskPerWorkflow(t *testing.T) {
	db := testutil.NewTestDB(t, program.Models()...)
	d, rec := newDispatcher(t, db,
		Definition{ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: AwardBounty{BountyID: "b_1"}},
		Definition{ID: "wf_2", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: SendCampaign{CampaignID: "c_1"}},
		Definition{ID: "wf_3", ProgramID: "prog_1", Trigger: TriggerLeadRecorded, Condition: leads5, Action: SendCampaign{CampaignID: "c_2"}},
	)
	sched := scheduletest.New()
	tk := NewTask(TaskParams{Dispatcher: d, Coordinator: sched})

	body, err := json.Marshal(Event{
		ID: "evt_1", Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(4000)},
	})
	require.NoError(t, err)
	require.NoError(t, tk.HandleTriggerTask(context.Background(), asynq.NewTask(taskname.WorkflowTrigger, body)))

	require.Empty(t, rec.awards, "nothing runs until the per-workflow tasks do")
	require.Len(t, sched.Published, 2)
	for i, id := range []string{"wf_1", "wf_2"} {
		msg := sched.Published[i]
		require.Equal(t, "event:evt_1:"+id, msg.ID)
		require.Equal(t, taskname.WorkflowTrigger, msg.Destination)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Body, &ev))
		require.Equal(t, id, ev.WorkflowID)
		require.Equal(t, "evt_1", ev.ID)
	}
}

type failingBroadcaster struct{ calls int }

func (f *failingBroadcaster) Broadcast(context.Context, campaign.BroadcastRequest) (*campaign.BroadcastResult, error) {
	f.calls++
	return nil, errors.New("mail provider unavailable")
}

func TestHandleTriggerTask_FailingSiblingDoesNotRecountBounty(t *testing.T) {
	db := testutil.NewTestDB(t, append(bounty.Models(), program.Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)
	sched := scheduletest.New()
	bounties := bounty.NewService(bounty.Params{
		DB: db, Node: node, Programs: program.NewRepository(db), Evaluator: evaluator, Coordinator: sched,
	})

	require.NoError(t, db.Create(&program.ProgramEnrollment{
		ID: "en_1", ProgramID: "prog_1", PartnerID: "pn_1", Status: program.EnrollmentApproved, CreatedAt: time.Now(),
	}).Error)
	reward := int64(5000)
	require.NoError(t, db.Create(&bounty.Bounty{
		ID: "b_1", ProgramID: "prog_1", Name: "Big seller", Type: bounty.TypePerformance,
		RewardAmount: &reward, StartsAt: time.Now().Add(-time.Hour),
	}).Error)

	d, _ := newDispatcher(t, db,
		Definition{ID: "wf_award", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: AwardBounty{BountyID: "b_1"}},
		Definition{ID: "wf_mail", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, Condition: saleThreshold, Action: SendCampaign{CampaignID: "c_1"}},
	)
	d.bounties = bounties
	mail := &failingBroadcaster{}
	d.campaigns = mail
	tk := NewTask(TaskParams{Dispatcher: d, Coordinator: sched})
	ctx := context.Background()

	ev := Event{
		ID: "evt_1", Trigger: TriggerSaleRecorded, ProgramID: "prog_1", PartnerID: "pn_1",
		Current: condition.Attributes{condition.TotalSaleAmount: condition.Int(4000)},
		Totals:  condition.Attributes{condition.TotalSaleAmount: condition.Int(20000)},
	}
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, tk.HandleTriggerTask(ctx, asynq.NewTask(taskname.WorkflowTrigger, body)))
	require.Len(t, sched.Published, 2)

	// Run the queued tasks the way asynq would, retrying the failure.
	for _, msg := range sched.Published {
		for attempt := 0; attempt < 3; attempt++ {
			err := tk.HandleTriggerTask(ctx, asynq.NewTask(msg.Destination, msg.Body))
			if err == nil {
				break
			}
			require.ErrorContains(t, err, "workflow wf_mail")
		}
	}
	require.Equal(t, 3, mail.calls)

	// A retry of the whole event, sibling failure included, is also counted once.
	for attempt := 0; attempt < 3; attempt++ {
		require.Error(t, d.Dispatch(ctx, ev))
	}

	var sub bounty.Submission
	require.NoError(t, db.Where("bounty_id = ? AND partner_id = ?", "b_1", "pn_1").First(&sub).Error)
	require.Equal(t, int64(4000), sub.PerformanceCount)
	require.Equal(t, bounty.StatusDraft, sub.Status)

	var commissions int64
	require.NoError(t, db.Model(&bounty.Commission{}).Count(&commissions).Error)
	require.Zero(t, commissions)
}

type togglerStub struct {
	calls []string
	err   error
}

func (s *togglerStub) Enable(_ context.Context, id string) (*Workflow, error) {
	s.calls = append(s.calls, "enable:"+id)
	return &Workflow{ID: id}, s.err
}

func (s *togglerStub) Disable(_ context.Context, id string) (*Workflow, error) {
	s.calls = append(s.calls, "disable:"+id)
	now := time.Now()
	return &Workflow{ID: id, DisabledAt: &now}, s.err
}

func TestHandleEnableDisableTasks(t *testing.T) {
	r, db, sched := newRegistry(t)
	require.NoError(t, db.Create(&Workflow{
		ID: "wf_tick", ProgramID: "prog_1", Trigger: TriggerScheduledTick, Cron: "0 * * * *",
		TriggerConditions: conditions(t, leads5),
		Actions:           actions(t, ActionMoveGroup, MoveGroup{ToGroupID: "grp_b"}),
	}).Error)
	tk := NewTask(TaskParams{Registry: r, Coordinator: sched})
	ctx := context.Background()
	payload := []byte(`{"workflowId":"wf_tick"}`)

	require.NoError(t, tk.HandleEnableTask(ctx, asynq.NewTask(taskname.WorkflowEnable, payload)))
	require.Contains(t, sched.Schedules, "workflow:wf_tick")

	require.NoError(t, tk.HandleDisableTask(ctx, asynq.NewTask(taskname.WorkflowDisable, payload)))
	require.NotContains(t, sched.Schedules, "workflow:wf_tick")

	err := tk.HandleEnableTask(ctx, asynq.NewTask(taskname.WorkflowEnable, []byte(`{"workflowId":"wf_missing"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleEnableTask_TransientErrorRetries(t *testing.T) {
	stub := &togglerStub{err: errors.New("connection reset")}
	tk := NewTask(TaskParams{Coordinator: scheduletest.New()})
	tk.registry = stub

	err := tk.HandleEnableTask(context.Background(), asynq.NewTask(taskname.WorkflowEnable, []byte(`{"workflowId":"wf_1"}`)))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, []string{"enable:wf_1"}, stub.calls)
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/schedule/scheduletest"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func conditions(t *testing.T, conds ...condition.Condition) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(conds)
	require.NoError(t, err)
	return b
}

func actions(t *testing.T, typ ActionType, data any) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal([]rawAction{{Type: typ, Data: raw}})
	require.NoError(t, err)
	return b
}

var leads5 = condition.Condition{Attribute: condition.TotalLeads, Operator: condition.Gte, Value: 5}

func newRegistry(t *testing.T) (*Registry, *gorm.DB, *scheduletest.Fake) {
	t.Helper()
	db := testutil.NewTestDB(t, &Workflow{})
	sched := scheduletest.New()
	return NewRegistry(RegistryParams{DB: db, Coordinator: sched}), db, sched
}

func TestDecode(t *testing.T) {
	w := Workflow{
		ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded,
		TriggerConditions: conditions(t, leads5),
		Actions:           actions(t, ActionMoveGroup, map[string]string{"fromGroupId": "", "toGroupId": "grp_b"}),
	}
	def, err := w.Decode()
	require.NoError(t, err)
	require.Equal(t, MoveGroup{ToGroupID: "grp_b"}, def.Action)
	require.Equal(t, leads5, def.Condition)

	cases := map[string]Workflow{
		"two conditions": {Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b"})},
		"no condition":   {Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b"})},
		"bad operator": {Trigger: TriggerSaleRecorded,
			TriggerConditions: conditions(t, condition.Condition{Attribute: condition.TotalLeads, Operator: "between"}),
			Actions:           actions(t, ActionAwardBounty, AwardBounty{BountyID: "b"})},
		"unknown action":  {Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, "deletePartner", map[string]string{})},
		"missing bounty":  {Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, map[string]string{})},
		"not json":        {Trigger: TriggerSaleRecorded, TriggerConditions: datatypes.JSON(`{`), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b"})},
		"unknown trigger": {Trigger: "partnerBanned", TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b"})},
	}
	for name, w := range cases {
		_, err := w.Decode()
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed), name)
	}
}

func TestFind_SkipsDisabledAndMalformed(t *testing.T) {
	r, db, _ := newRegistry(t)
	disabled := time.Now()
	require.NoError(t, db.Create(&[]Workflow{
		{ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b_1"})},
		{ID: "wf_2", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, TriggerConditions: datatypes.JSON(`[{"attribute":"totalRefunds","operator":"gte","value":1}]`), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b_2"})},
		{ID: "wf_3", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionSendCampaign, SendCampaign{CampaignID: "c_1"})},
		{ID: "wf_4", ProgramID: "prog_1", Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b_4"}), DisabledAt: &disabled},
		{ID: "wf_5", ProgramID: "prog_1", Trigger: TriggerLeadRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b_5"})},
		{ID: "wf_6", ProgramID: "prog_2", Trigger: TriggerSaleRecorded, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionAwardBounty, AwardBounty{BountyID: "b_6"})},
	}).Error)

	defs, err := r.Find(context.Background(), "prog_1", TriggerSaleRecorded)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "wf_1", defs[0].ID)
	require.Equal(t, AwardBounty{BountyID: "b_1"}, defs[0].Action)
	require.Equal(t, "wf_3", defs[1].ID)
}

func TestEnableDisable_ManagesSchedule(t *testing.T) {
	r, db, sched := newRegistry(t)
	ctx := context.Background()
	paused := time.Now()
	require.NoError(t, db.Create(&Workflow{
		ID: "wf_tick", ProgramID: "prog_1", Trigger: TriggerScheduledTick, Cron: "0 * * * *",
		TriggerConditions: conditions(t, leads5),
		Actions:           actions(t, ActionMoveGroup, MoveGroup{ToGroupID: "grp_b"}),
		DisabledAt:        &paused,
	}).Error)

	w, err := r.Enable(ctx, "wf_tick")
	require.NoError(t, err)
	require.Nil(t, w.DisabledAt)
	require.Equal(t, "workflow:wf_tick", *w.ScheduleID)

	s, ok := sched.Schedules["workflow:wf_tick"]
	require.True(t, ok)
	require.Equal(t, taskname.WorkflowTrigger, s.Destination)
	require.Equal(t, "0 * * * *", s.Cron)
	var ev Event
	require.NoError(t, json.Unmarshal(s.Body, &ev))
	require.Equal(t, Event{Trigger: TriggerScheduledTick, ProgramID: "prog_1", WorkflowID: "wf_tick"}, ev)
	// The previous schedule is deleted before the new one is created.
	require.Equal(t, []string{"workflow:wf_tick"}, sched.DeletedSchedule)

	sched.DeleteErr = errors.New("scheduler unavailable")
	w, err = r.Disable(ctx, "wf_tick")
	require.NoError(t, err)
	require.NotNil(t, w.DisabledAt)

	var stored Workflow
	require.NoError(t, db.First(&stored, "id = ?", "wf_tick").Error)
	require.NotNil(t, stored.DisabledAt)

	defs, err := r.Find(ctx, "prog_1", TriggerScheduledTick)
	require.NoError(t, err)
	require.Empty(t, defs)

	_, err = r.Enable(ctx, "wf_missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestRestoreSchedules(t *testing.T) {
	r, db, sched := newRegistry(t)
	require.NoError(t, db.Create(&[]Workflow{
		{ID: "wf_1", ProgramID: "prog_1", Trigger: TriggerScheduledTick, TriggerConditions: conditions(t, leads5), Actions: actions(t, ActionSendCampaign, SendCampaign{CampaignID: "c_1"})},
		{ID: "wf_2", ProgramID: "prog_1", Trigger: TriggerScheduledTick, TriggerConditions: datatypes.JSON(`[]`), Actions: actions(t, ActionSendCampaign, SendCampaign{CampaignID: "c_2"})},
	}).Error)

	require.NoError(t, r.RestoreSchedules(context.Background()))
	require.Len(t, sched.Schedules, 1)
	require.Equal(t, DefaultCron, sched.Schedules["workflow:wf_1"].Cron)
}

package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"partners-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newAsynqTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, body)
}

func TestHandleScheduleAndCancelTasks(t *testing.T) {
	f := newFixture(t, 0)
	f.createCampaign(t, Campaign{ID: "cmp_m", Type: TypeMarketing, Status: StatusDraft})
	tk := NewTask(TaskParams{Service: f.svc})
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	err := tk.HandleScheduleTask(ctx, newAsynqTask(t, taskname.CampaignSchedule, SchedulePayload{CampaignID: "cmp_m", ScheduledAt: at}))
	require.NoError(t, err)
	require.Len(t, f.sched.Published, 1)
	require.Equal(t, taskname.CampaignBroadcast, f.sched.Published[0].Destination)
	require.Equal(t, at, f.sched.Published[0].NotBefore)

	err = tk.HandleCancelTask(ctx, newAsynqTask(t, taskname.CampaignCancel, CancelPayload{CampaignID: "cmp_m"}))
	require.NoError(t, err)
	stored, err := f.svc.getCampaign(ctx, "cmp_m")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, stored.Status)
	require.Len(t, f.sched.DeletedMessages, 1)
}

func TestHandleScheduleTask_PermanentErrorsSkipRetry(t *testing.T) {
	f := newFixture(t, 0)
	f.createCampaign(t, Campaign{ID: "cmp_t", Type: TypeTransactional, Status: StatusActive})
	tk := NewTask(TaskParams{Service: f.svc})
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	for name, payload := range map[string]SchedulePayload{
		"transactional": {CampaignID: "cmp_t", ScheduledAt: at},
		"missing":       {CampaignID: "cmp_missing", ScheduledAt: at},
		"no time":       {CampaignID: "cmp_t"},
	} {
		err := tk.HandleScheduleTask(ctx, newAsynqTask(t, taskname.CampaignSchedule, payload))
		require.True(t, errors.Is(err, asynq.SkipRetry), name)
	}
	require.Empty(t, f.sched.Published)

	err := tk.HandleCancelTask(ctx, asynq.NewTask(taskname.CampaignCancel, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

package group

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/schedule/scheduletest"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/audit"
	"partners-controlplane/services/program"
	"partners-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func ptr(s string) *string { return &s }

type fixture struct {
	db    *gorm.DB
	svc   *Service
	sched *scheduletest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	models := append(program.Models(), Models()...)
	db := testutil.NewTestDB(t, append(models, &audit.Log{})...)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sched := scheduletest.New()

	svc := NewService(Params{
		DB:          db,
		Node:        node,
		Programs:    program.NewRepository(db),
		Coordinator: sched,
		Audit:       audit.NewRecorder(audit.Params{DB: db, Node: node}),
	})

	require.NoError(t, db.Create(&[]program.PartnerGroup{
		{ID: "grp_a", ProgramID: "prog_1", Name: "Silver", SaleRewardID: ptr("rw_silver")},
		{ID: "grp_g", ProgramID: "prog_1", Name: "Gold", SaleRewardID: ptr("rw_gold"), DiscountID: ptr("disc_gold")},
	}).Error)
	require.NoError(t, db.Create(&[]program.ProgramEnrollment{
		{ID: "en_1", ProgramID: "prog_1", PartnerID: "pn_1", GroupID: ptr("grp_a"), Status: program.EnrollmentApproved},
		{ID: "en_2", ProgramID: "prog_1", PartnerID: "pn_2", GroupID: ptr("grp_g"), Status: program.EnrollmentApproved, SaleRewardID: ptr("rw_gold")},
		{ID: "en_3", ProgramID: "prog_1", PartnerID: "pn_3", Status: program.EnrollmentApproved},
	}).Error)

	return &fixture{db: db, svc: svc, sched: sched}
}

func (f *fixture) auditCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&audit.Log{}).Count(&n).Error)
	return n
}

func TestMovePartnersToGroup_AlreadyInGroup(t *testing.T) {
	f := newFixture(t)

	changed, err := f.svc.MovePartnersToGroup(context.Background(), "prog_1", []string{"pn_2"}, "grp_g", audit.SystemActor)
	require.NoError(t, err)
	require.Zero(t, changed)
	require.Zero(t, f.auditCount(t))
	require.Empty(t, f.sched.Published)
}

func TestMovePartnersToGroup_MixedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.svc.MovePartnersToGroup(ctx, "prog_1", []string{"pn_1", "pn_2", "pn_3", "pn_unknown"}, "grp_g", audit.SystemActor)
	require.NoError(t, err)
	require.Equal(t, int64(2), changed)

	var enrollments []program.ProgramEnrollment
	require.NoError(t, f.db.Order("id").Find(&enrollments).Error)
	for _, e := range enrollments {
		require.True(t, e.InGroup("grp_g"), e.PartnerID)
		require.Equal(t, "rw_gold", *e.SaleRewardID, e.PartnerID)
	}
	require.Equal(t, "disc_gold", *enrollments[0].DiscountID)

	var logs []audit.Log
	require.NoError(t, f.db.Order("target_id").Find(&logs).Error)
	require.Len(t, logs, 2)
	require.Equal(t, "pn_1", logs[0].TargetID)
	require.Equal(t, "pn_3", logs[1].TargetID)

	var change audit.Change
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &change))
	require.Equal(t, map[string]any{"id": "grp_a", "name": "Silver"}, change.Old)
	require.Equal(t, map[string]any{"id": "grp_g", "name": "Gold"}, change.New)

	require.Equal(t, []string{
		taskname.GroupRemapLinks,
		taskname.GroupRemapDiscountCodes,
		taskname.BountySeedSubmissions,
		taskname.GroupNotifyPartners,
	}, f.sched.Destinations())

	var payload MovedPayload
	require.NoError(t, json.Unmarshal(f.sched.Published[0].Body, &payload))
	require.Equal(t, []string{"pn_1", "pn_3"}, payload.PartnerIDs)
}

func TestMovePartnersToGroup_UnknownGroup(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.MovePartnersToGroup(context.Background(), "prog_1", []string{"pn_1"}, "grp_missing", audit.SystemActor)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	var e program.ProgramEnrollment
	require.NoError(t, f.db.Where("partner_id = ?", "pn_1").First(&e).Error)
	require.True(t, e.InGroup("grp_a"))
	require.Empty(t, f.sched.Published)
}

func TestMovePartnersToGroup_FanOutFailureKeepsMove(t *testing.T) {
	f := newFixture(t)
	f.sched.PublishErr = errors.New("queue unavailable")

	changed, err := f.svc.MovePartnersToGroup(context.Background(), "prog_1", []string{"pn_1"}, "grp_g", audit.SystemActor)
	require.NoError(t, err)
	require.Equal(t, int64(1), changed)

	var e program.ProgramEnrollment
	require.NoError(t, f.db.Where("partner_id = ?", "pn_1").First(&e).Error)
	require.True(t, e.InGroup("grp_g"))
	require.Equal(t, int64(1), f.auditCount(t))
}

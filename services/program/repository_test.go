package program

import (
	"context"
	"testing"
	"time"

	"partners-controlplane/pkg/db/pagination"
	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func seed(t *testing.T) *gormRepository {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&Program{ID: "prog_1", Name: "Acme", Slug: "acme"}).Error)
	require.NoError(t, db.Create(&PartnerGroup{ID: "grp_a", ProgramID: "prog_1", Name: "A", SaleRewardID: ptr("rw_a")}).Error)
	require.NoError(t, db.Create(&[]Partner{
		{ID: "pn_1", Name: "One", Email: "one@example.com"},
		{ID: "pn_2", Name: "Two", Email: "two@example.com"},
		{ID: "pn_3", Name: "Three", Email: "three@example.com"},
	}).Error)
	require.NoError(t, db.Create(&[]ProgramEnrollment{
		{ID: "en_1", ProgramID: "prog_1", PartnerID: "pn_1", GroupID: ptr("grp_a"), Status: EnrollmentApproved, CreatedAt: now.AddDate(0, 0, -30)},
		{ID: "en_2", ProgramID: "prog_1", PartnerID: "pn_2", GroupID: ptr("grp_a"), Status: EnrollmentApproved, CreatedAt: now.AddDate(0, 0, -2)},
		{ID: "en_3", ProgramID: "prog_1", PartnerID: "pn_3", Status: EnrollmentPending, CreatedAt: now},
	}).Error)
	require.NoError(t, db.Create(&PartnerMetrics{ProgramID: "prog_1", PartnerID: "pn_1", Leads: 12, SaleAmount: 25000}).Error)

	return &gormRepository{db: db, now: func() time.Time { return now }}
}

func TestSnapshot(t *testing.T) {
	repo := seed(t)
	ctx := context.Background()

	attrs, err := repo.Snapshot(ctx, "prog_1", "pn_1")
	require.NoError(t, err)
	v, ok := attrs.Value(condition.TotalLeads)
	require.True(t, ok)
	require.Equal(t, int64(12), v)
	v, _ = attrs.Value(condition.PartnerEnrolledDays)
	require.Equal(t, int64(30), v)

	// No metrics row yet reads as zero activity.
	attrs, err = repo.Snapshot(ctx, "prog_1", "pn_2")
	require.NoError(t, err)
	v, ok = attrs.Value(condition.TotalSaleAmount)
	require.True(t, ok)
	require.Zero(t, v)

	_, err = repo.Snapshot(ctx, "prog_1", "pn_missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestListEnrollments_Paging(t *testing.T) {
	repo := seed(t)
	ctx := context.Background()

	page, err := repo.ListEnrollments(ctx, EnrollmentQuery{ProgramID: "prog_1", Status: EnrollmentApproved, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "pn_1", page[0].Partner.ID)

	next, err := pagination.Next(page, 1, func(e ProgramEnrollment) string { return e.ID })
	require.NoError(t, err)
	cursor, err := pagination.DecodeCursor(next)
	require.NoError(t, err)

	page, err = repo.ListEnrollments(ctx, EnrollmentQuery{ProgramID: "prog_1", Status: EnrollmentApproved, Cursor: cursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "en_2", page[0].ID)

	page, err = repo.ListEnrollments(ctx, EnrollmentQuery{ProgramID: "prog_1", GroupIDs: []string{"grp_a"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestGetGroup_NotFound(t *testing.T) {
	repo := seed(t)

	g, err := repo.GetGroup(context.Background(), "prog_1", "grp_a")
	require.NoError(t, err)
	require.Equal(t, "rw_a", *g.SaleRewardID)

	_, err = repo.GetGroup(context.Background(), "prog_other", "grp_a")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

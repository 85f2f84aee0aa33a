package bounty

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errNoConn = errors.New("statement reached the connection")

// stubPool lets a DryRun session open a transaction without a server.
type stubPool struct{}

func (stubPool) PrepareContext(context.Context, string) (*sql.Stmt, error) { return nil, errNoConn }
func (stubPool) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errNoConn
}
func (stubPool) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errNoConn
}
func (stubPool) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }
func (stubPool) BeginTx(context.Context, *sql.TxOptions) (gorm.ConnPool, error) {
	return &stubTx{}, nil
}

type stubTx struct{ stubPool }

func (*stubTx) Commit() error   { return nil }
func (*stubTx) Rollback() error { return nil }

// statementLog captures the SQL gorm builds.
type statementLog struct {
	logger.Interface

	mu  sync.Mutex
	sql []string
}

func (l *statementLog) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *statementLog) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	stmt, _ := fc()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sql = append(l.sql, stmt)
}

func indexOf(stmts []string, match func(string) bool) int {
	for i, s := range stmts {
		if match(s) {
			return i
		}
	}
	return -1
}

func TestTransition_LocksSubmissionRow(t *testing.T) {
	stmts := &statementLog{Interface: logger.Discard}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stubPool{}}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               stmts,
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := NewRepository(db, node)

	called := false
	_, err = repo.Transition(context.Background(), Key{ProgramID: "prog_1", BountyID: "b_1", PartnerID: "pn_1"},
		func(*gorm.DB, *Submission) (bool, error) {
			called = true
			return false, nil
		})
	require.NoError(t, err)
	require.True(t, called)

	upsert := indexOf(stmts.sql, func(s string) bool {
		return strings.HasPrefix(s, `INSERT INTO "bounty_submissions"`) &&
			strings.Contains(s, `ON CONFLICT ("bounty_id","partner_id") DO NOTHING`)
	})
	lock := indexOf(stmts.sql, func(s string) bool {
		return strings.HasPrefix(s, `SELECT * FROM "bounty_submissions"`) &&
			strings.Contains(s, "bounty_id = 'b_1' AND partner_id = 'pn_1'") &&
			strings.HasSuffix(s, "FOR UPDATE")
	})
	require.GreaterOrEqual(t, upsert, 0, "no insert-ignore in %q", stmts.sql)
	require.Greater(t, lock, upsert, "row is not locked after the upsert: %q", stmts.sql)
}

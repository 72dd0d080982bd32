package signupdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	pool  *Pool
	err   error
	calls int
}

func (s *fixedSource) Acquire(context.Context) (*Pool, error) {
	s.calls++
	return s.pool, s.err
}

type statementLog struct {
	ops  []string
	errs []error
}

func (l *statementLog) Statement(op string, _ time.Duration, err error) {
	l.ops = append(l.ops, op)
	l.errs = append(l.errs, err)
}

func TestExecBindsTypedParameters(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectExec(`UPDATE dbo\.Volunteers SET City = @City WHERE VolunteerID = @ID`).
		WithArgs(sql.Named("City", "Lyon"), sql.Named("ID", int64(7))).
		WillReturnResult(sqlmock.NewResult(0, 1))

	log := &statementLog{}
	exec := NewExecutor(&fixedSource{pool: pool}, WithStatementObserver(log))
	res, err := exec.Exec(context.Background(), "UPDATE dbo.Volunteers SET City = @City WHERE VolunteerID = @ID",
		func(p *Params) {
			p.Add("City", NVarChar(100), "Lyon").Add("ID", BigInt, 7)
		})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)
	assert.Equal(t, []string{"exec"}, log.ops)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecPropagatesDriverError(t *testing.T) {
	pool, mock := newMockPool(t)
	dup := mssql.Error{Number: 2627, Message: "Violation of UNIQUE KEY constraint"}
	mock.ExpectExec("INSERT").WillReturnError(dup)

	src := &fixedSource{pool: pool}
	exec := NewExecutor(src)
	_, err := exec.Exec(context.Background(), "INSERT INTO dbo.Volunteers (Email) VALUES (@Email)", func(p *Params) {
		p.Add("Email", NVarChar(320), "a@example.org")
	})

	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, "exec", stmtErr.Op)
	var sqlErr mssql.Error
	require.ErrorAs(t, err, &sqlErr)
	assert.EqualValues(t, 2627, sqlErr.Number)
	assert.True(t, pool.Healthy())
	assert.Equal(t, 1, src.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecInvalidatesPoolOnDeadConnection(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectExec("UPDATE").WillReturnError(sql.ErrConnDone)

	exec := NewExecutor(&fixedSource{pool: pool})
	_, err := exec.Exec(context.Background(), "UPDATE dbo.Volunteers SET City = NULL", nil)
	require.ErrorIs(t, err, sql.ErrConnDone)
	assert.False(t, pool.Healthy())
}

func TestExecAcquireFailure(t *testing.T) {
	acquireErr := &NonTransientConnectionError{Attempt: 1, Err: errLoginFailed}
	exec := NewExecutor(&fixedSource{err: acquireErr})

	bound := false
	_, err := exec.Exec(context.Background(), "SELECT 1", func(p *Params) { bound = true })
	assert.Same(t, acquireErr, err)
	assert.False(t, bound)
}

func TestExecBindingError(t *testing.T) {
	pool, mock := newMockPool(t)
	exec := NewExecutor(&fixedSource{pool: pool})

	_, err := exec.Exec(context.Background(), "UPDATE dbo.Volunteers SET Phone = @Phone", func(p *Params) {
		p.Add("Phone", VarChar(20), "+33 1 23 45 67 89 00 11 22")
	})
	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, "bind", stmtErr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryScansRows(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectQuery(`SELECT VolunteerID, Email FROM dbo\.Volunteers WHERE City = @City`).
		WithArgs(sql.Named("City", "Lyon")).
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID", "Email"}).
			AddRow(int64(1), "a@example.org").
			AddRow(int64(2), "b@example.org"))

	exec := NewExecutor(&fixedSource{pool: pool})
	var emails []string
	err := exec.Query(context.Background(), "SELECT VolunteerID, Email FROM dbo.Volunteers WHERE City = @City",
		func(p *Params) { p.Add("City", NVarChar(100), "Lyon") },
		func(s Scanner) error {
			var id int64
			var email string
			if err := s.Scan(&id, &email); err != nil {
				return err
			}
			emails = append(emails, email)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.org", "b@example.org"}, emails)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryScanError(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	exec := NewExecutor(&fixedSource{pool: pool})
	boom := errors.New("boom")
	err := exec.Query(context.Background(), "SELECT 1", nil, func(Scanner) error { return boom })
	var stmtErr *StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, "scan", stmtErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestQueryRowEmpty(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"n"}))

	exec := NewExecutor(&fixedSource{pool: pool})
	var n int
	found, err := exec.QueryRow(context.Background(), "SELECT TOP (1) 1 FROM dbo.Volunteers", nil, &n)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueryOnClosedDatabaseInvalidatesPool(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectClose()
	require.NoError(t, pool.DB().Close())

	exec := NewExecutor(&fixedSource{pool: pool})
	err := exec.Query(context.Background(), "SELECT 1", nil, func(Scanner) error { return nil })
	require.Error(t, err)
	assert.False(t, pool.Healthy())
}

func TestRequestTimeout(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectExec("WAITFOR").WillDelayFor(time.Second).WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewExecutor(&fixedSource{pool: pool}, WithRequestTimeout(20*time.Millisecond))
	_, err := exec.Exec(context.Background(), "WAITFOR DELAY '00:00:01'", nil)
	require.Error(t, err)
	var stmtErr *StatementError
	assert.ErrorAs(t, err, &stmtErr)
}

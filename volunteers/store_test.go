package volunteers

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/volunteerhub/signupdb"
)

type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

type poolSource struct{ pool *signupdb.Pool }

func (s poolSource) Acquire(context.Context) (*signupdb.Pool, error) { return s.pool, nil }

// eq matches an argument bound as a driver-specific type.
type eq struct{ v any }

func (e eq) Match(v driver.Value) bool { return reflect.DeepEqual(e.v, v) }

// bcryptOf matches a password hash argument produced from password.
type bcryptOf string

func (b bcryptOf) Match(v driver.Value) bool {
	h, ok := v.(mssql.VarChar)
	return ok && bcrypt.CompareHashAndPassword([]byte(h), []byte(b)) == nil
}

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	exec := signupdb.NewExecutor(poolSource{signupdb.NewPool(db)})
	store := NewStore(exec, WithBcryptCost(bcrypt.MinCost), WithClock(func() time.Time { return fixedNow }))
	return store, mock
}

var volunteerColumns = []string{
	"VolunteerID", "Email", "Phone", "FirstName", "LastName", "City", "DateOfBirth",
	"Skills", "EmailVerified", "PhoneVerified", "CreatedAt", "UpdatedAt",
}

func TestCreateCredentialsConditionalInsert(t *testing.T) {
	store, mock := newTestStore(t)
	args := []driver.Value{
		sql.Named("Email", "ann@example.org"),
		eq{mssql.VarChar("+33612345678")},
		bcryptOf("correct horse"),
	}
	mock.ExpectQuery(`INSERT INTO dbo\.Volunteers .* WHERE NOT EXISTS`).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID"}).AddRow(int64(41)))
	mock.ExpectQuery(`INSERT INTO dbo\.Volunteers .* WHERE NOT EXISTS`).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID"}))

	creds := Credentials{Email: " Ann@Example.org ", Phone: "+33 6 12 34 56 78", Password: "correct horse"}
	id, created, err := store.CreateCredentials(context.Background(), creds)
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 41, id)

	id, created, err = store.CreateCredentials(context.Background(), creds)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCredentialsWithoutPhone(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO dbo.Volunteers").
		WithArgs(sql.Named("Email", "bo@example.org"), sql.Named("Phone", nil), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID"}).AddRow(int64(3)))

	_, created, err := store.CreateCredentials(context.Background(), Credentials{Email: "bo@example.org", Password: "longenough"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCredentialsUniqueViolation(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO dbo.Volunteers").
		WillReturnError(mssql.Error{Number: 2627, Message: "Violation of UNIQUE KEY constraint 'UQ_Volunteers_Email'."})

	_, created, err := store.CreateCredentials(context.Background(), Credentials{Email: "ann@example.org", Password: "longenough"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateCredentialsPropagatesErrors(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO dbo.Volunteers").WillReturnError(mssql.Error{Number: 229, Message: "The INSERT permission was denied"})

	_, _, err := store.CreateCredentials(context.Background(), Credentials{Email: "ann@example.org", Password: "longenough"})
	var stmtErr *signupdb.StatementError
	require.ErrorAs(t, err, &stmtErr)
}

func TestCreateCredentialsValidation(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		field string
	}{
		{"no email", Credentials{Password: "longenough"}, "email"},
		{"bad email", Credentials{Email: "not-an-email", Password: "longenough"}, "email"},
		{"display name", Credentials{Email: "Ann <ann@example.org>", Password: "longenough"}, "email"},
		{"bad phone", Credentials{Email: "ann@example.org", Phone: "call me", Password: "longenough"}, "phone"},
		{"short password", Credentials{Email: "ann@example.org", Password: "short"}, "password"},
		{"long password", Credentials{Email: "ann@example.org", Password: string(make([]byte, 80))}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newTestStore(t)
			_, _, err := store.CreateCredentials(context.Background(), tt.creds)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEmailExists(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT TOP \(1\) 1 FROM dbo\.Volunteers WHERE Email = @Email`).
		WithArgs(sql.Named("Email", "cy@example.org")).
		WillReturnRows(sqlmock.NewRows([]string{""}))
	mock.ExpectQuery("INSERT INTO dbo.Volunteers").
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID"}).AddRow(int64(9)))
	mock.ExpectQuery(`SELECT TOP \(1\) 1 FROM dbo\.Volunteers WHERE Email = @Email`).
		WithArgs(sql.Named("Email", "cy@example.org")).
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	ctx := context.Background()
	exists, err := store.EmailExists(ctx, "cy@example.org")
	require.NoError(t, err)
	assert.False(t, exists)

	_, created, err := store.CreateCredentials(ctx, Credentials{Email: "cy@example.org", Password: "longenough"})
	require.NoError(t, err)
	require.True(t, created)

	exists, err = store.EmailExists(ctx, "CY@example.org")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPhoneExists(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`WHERE Phone = @Phone`).
		WithArgs(eq{mssql.VarChar("0612345678")}).
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	exists, err := store.PhoneExists(context.Background(), "06 12 34 56 78")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.PhoneExists(context.Background(), "")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfile(t *testing.T) {
	store, mock := newTestStore(t)
	dob := civil.Date{Year: 1988, Month: time.February, Day: 29}
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE dbo\.Volunteers\s+SET FirstName = @FirstName`).
		WithArgs(
			sql.Named("FirstName", "Zo\u00eb"),
			sql.Named("LastName", "Martin"),
			sql.Named("City", nil),
			eq{dob},
			eq{mssql.NVarCharMax("first aid")},
			sql.Named("VolunteerID", int64(5)),
		).
		WillReturnRows(sqlmock.NewRows(volunteerColumns).AddRow(
			int64(5), "zoe@example.org", "+33612345678", "Zoë", "Martin", nil,
			time.Date(1988, 2, 29, 0, 0, 0, 0, time.UTC), "first aid", true, false, created, fixedNow,
		))

	v, err := store.UpdateProfile(context.Background(), 5, Profile{
		FirstName:   " Zoe\u0308 ",
		LastName:    "Martin",
		DateOfBirth: &dob,
		Skills:      "first aid",
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, &Volunteer{
		ID:            5,
		Email:         "zoe@example.org",
		Phone:         "+33612345678",
		FirstName:     "Zoë",
		LastName:      "Martin",
		DateOfBirth:   &dob,
		Skills:        "first aid",
		EmailVerified: true,
		CreatedAt:     created,
		UpdatedAt:     fixedNow,
	}, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`UPDATE dbo\.Volunteers`).WillReturnRows(sqlmock.NewRows(volunteerColumns))

	v, err := store.UpdateProfile(context.Background(), 404, Profile{FirstName: "Nobody"})
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileValidation(t *testing.T) {
	future := civil.DateOf(fixedNow).AddDays(1)
	tests := []struct {
		name    string
		id      int64
		profile Profile
		field   string
	}{
		{"bad id", 0, Profile{FirstName: "A"}, "id"},
		{"no first name", 1, Profile{FirstName: "  "}, "first_name"},
		{"future birth", 1, Profile{FirstName: "A", DateOfBirth: &future}, "date_of_birth"},
		{"invalid date", 1, Profile{FirstName: "A", DateOfBirth: &civil.Date{Year: 2001, Month: 2, Day: 30}}, "date_of_birth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			_, err := store.UpdateProfile(context.Background(), tt.id, tt.profile)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestGetVolunteer(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT VolunteerID, Email`).
		WithArgs(sql.Named("VolunteerID", int64(2))).
		WillReturnRows(sqlmock.NewRows(volunteerColumns).AddRow(
			int64(2), "dee@example.org", nil, nil, nil, nil, nil, nil, false, false, fixedNow, fixedNow,
		))
	mock.ExpectQuery(`SELECT VolunteerID, Email`).
		WithArgs(sql.Named("VolunteerID", int64(3))).
		WillReturnRows(sqlmock.NewRows(volunteerColumns))

	v, err := store.GetVolunteer(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "dee@example.org", v.Email)
	assert.Nil(t, v.DateOfBirth)

	v, err = store.GetVolunteer(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkVerified(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`SET EmailVerified = 1`).WithArgs(sql.Named("VolunteerID", int64(8))).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET PhoneVerified = 1`).WithArgs(sql.Named("VolunteerID", int64(9))).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.MarkVerified(context.Background(), 8, ChannelEmail)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkVerified(context.Background(), 9, ChannelPhone)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.MarkVerified(context.Background(), 9, Channel("fax"))
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticate(t *testing.T) {
	store, mock := newTestStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT VolunteerID, PasswordHash`).
			WithArgs(sql.Named("Email", "ann@example.org")).
			WillReturnRows(sqlmock.NewRows([]string{"VolunteerID", "PasswordHash"}).AddRow(int64(41), string(hash)))
	}
	mock.ExpectQuery(`SELECT VolunteerID, PasswordHash`).
		WillReturnRows(sqlmock.NewRows([]string{"VolunteerID", "PasswordHash"}))

	ctx := context.Background()
	id, ok, err := store.Authenticate(ctx, "ann@example.org", "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 41, id)

	_, ok, err = store.Authenticate(ctx, "ann@example.org", "wrong horse")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Authenticate(ctx, "nobody@example.org", "correct horse")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("Email")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, c)

	_, err = ParseChannel("pigeon")
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestNewStoreFallsBackToDefaultCost(t *testing.T) {
	for _, cost := range []int{0, bcrypt.MaxCost + 1} {
		core, logs := observer.New(zap.WarnLevel)
		store := NewStore(nil, WithBcryptCost(cost), WithLogger(zap.New(core)))
		assert.Equal(t, bcrypt.DefaultCost, store.cost)
		require.NotEmpty(t, store.dummyHash)
		got, err := bcrypt.Cost(store.dummyHash)
		require.NoError(t, err)
		assert.Equal(t, bcrypt.DefaultCost, got)
		assert.Equal(t, 1, logs.FilterMessage("bcrypt cost out of range, using default").Len())
	}
}

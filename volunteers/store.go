package volunteers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/volunteerhub/signupdb"
)

// Querier runs parameterized statements. *signupdb.Executor implements it.
type Querier interface {
	Exec(ctx context.Context, stmt string, bind signupdb.BindFunc) (signupdb.Result, error)
	Query(ctx context.Context, stmt string, bind signupdb.BindFunc, scan func(signupdb.Scanner) error) error
	QueryRow(ctx context.Context, stmt string, bind signupdb.BindFunc, dest ...any) (bool, error)
}

const (
	insertCredentials = `INSERT INTO dbo.Volunteers (Email, Phone, PasswordHash, CreatedAt, UpdatedAt)
OUTPUT INSERTED.VolunteerID
SELECT @Email, @Phone, @PasswordHash, SYSUTCDATETIME(), SYSUTCDATETIME()
WHERE NOT EXISTS (
	SELECT 1 FROM dbo.Volunteers WITH (UPDLOCK, HOLDLOCK) WHERE Email = @Email
)`

	emailExists = `SELECT TOP (1) 1 FROM dbo.Volunteers WHERE Email = @Email`
	phoneExists = `SELECT TOP (1) 1 FROM dbo.Volunteers WHERE Phone = @Phone`

	updateProfile = `UPDATE dbo.Volunteers
SET FirstName = @FirstName, LastName = @LastName, City = @City,
	DateOfBirth = @DateOfBirth, Skills = @Skills, UpdatedAt = SYSUTCDATETIME()
OUTPUT INSERTED.VolunteerID, INSERTED.Email, INSERTED.Phone, INSERTED.FirstName,
	INSERTED.LastName, INSERTED.City, INSERTED.DateOfBirth, INSERTED.Skills,
	INSERTED.EmailVerified, INSERTED.PhoneVerified, INSERTED.CreatedAt, INSERTED.UpdatedAt
WHERE VolunteerID = @VolunteerID`

	selectVolunteer = `SELECT VolunteerID, Email, Phone, FirstName, LastName, City, DateOfBirth,
	Skills, EmailVerified, PhoneVerified, CreatedAt, UpdatedAt
FROM dbo.Volunteers WHERE VolunteerID = @VolunteerID`

	markEmailVerified = `UPDATE dbo.Volunteers SET EmailVerified = 1, UpdatedAt = SYSUTCDATETIME() WHERE VolunteerID = @VolunteerID`
	markPhoneVerified = `UPDATE dbo.Volunteers SET PhoneVerified = 1, UpdatedAt = SYSUTCDATETIME() WHERE VolunteerID = @VolunteerID`

	selectPasswordHash = `SELECT VolunteerID, PasswordHash FROM dbo.Volunteers WHERE Email = @Email`
)

// Unique key violations. The locking hint on the existence guard keeps
// concurrent inserts apart; the constraint is the backstop.
const (
	errUniqueConstraint = 2627
	errUniqueIndex      = 2601
)

// StoreOption configures a Store.
type StoreOption func(s *Store)

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) StoreOption {
	return func(s *Store) { s.cost = cost }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for date validation.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store runs the volunteer statements.
type Store struct {
	db     Querier
	cost   int
	logger *zap.Logger
	now    func() time.Time

	// dummyHash is compared against when an email is unknown so that
	// Authenticate takes as long either way.
	dummyHash []byte
}

// NewStore returns a Store over db.
func NewStore(db Querier, opts ...StoreOption) *Store {
	s := &Store{db: db, cost: bcrypt.DefaultCost, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "volunteers"))
	if s.cost < bcrypt.MinCost || s.cost > bcrypt.MaxCost {
		s.logger.Warn("bcrypt cost out of range, using default",
			zap.Int("cost", s.cost), zap.Int("default", bcrypt.DefaultCost))
		s.cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	if err != nil {
		s.logger.Error("cannot build placeholder hash", zap.Error(err))
	}
	s.dummyHash = hash
	return s
}

// CreateCredentials inserts a volunteer unless one with the same email
// exists. created is false when the email is already registered.
func (s *Store) CreateCredentials(ctx context.Context, c Credentials) (id int64, created bool, err error) {
	c, err = c.normalize()
	if err != nil {
		return 0, false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), s.cost)
	if err != nil {
		return 0, false, err
	}
	phone := optional(c.Phone)

	created, err = s.db.QueryRow(ctx, insertCredentials, func(p *signupdb.Params) {
		p.Add("Email", signupdb.NVarChar(MaxEmailLen), c.Email).
			Add("Phone", signupdb.VarChar(MaxPhoneLen), phone).
			Add("PasswordHash", signupdb.VarChar(MaxPasswordLen), string(hash))
	}, &id)
	if err != nil {
		var sqlErr mssql.Error
		if errors.As(err, &sqlErr) && (sqlErr.Number == errUniqueConstraint || sqlErr.Number == errUniqueIndex) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if created {
		s.logger.Info("volunteer created", zap.Int64("volunteer_id", id))
	}
	return id, created, nil
}

// EmailExists reports whether a volunteer registered with email.
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return false, err
	}
	var one int
	return s.db.QueryRow(ctx, emailExists, func(p *signupdb.Params) {
		p.Add("Email", signupdb.NVarChar(MaxEmailLen), email)
	}, &one)
}

// PhoneExists reports whether a volunteer registered with phone.
func (s *Store) PhoneExists(ctx context.Context, phone string) (bool, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return false, err
	}
	var one int
	return s.db.QueryRow(ctx, phoneExists, func(p *signupdb.Params) {
		p.Add("Phone", signupdb.VarChar(MaxPhoneLen), phone)
	}, &one)
}

// UpdateProfile replaces the profile of volunteer id and returns the updated
// row. It returns nil without error when no volunteer has that id.
func (s *Store) UpdateProfile(ctx context.Context, id int64, p Profile) (*Volunteer, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "id", Reason: "must be positive"}
	}
	p, err := p.normalize(s.now())
	if err != nil {
		return nil, err
	}
	var r row
	found, err := s.db.QueryRow(ctx, updateProfile, func(b *signupdb.Params) {
		b.Add("FirstName", signupdb.NVarChar(MaxNameLen), p.FirstName).
			Add("LastName", signupdb.NVarChar(MaxNameLen), optional(p.LastName)).
			Add("City", signupdb.NVarChar(MaxNameLen), optional(p.City)).
			Add("DateOfBirth", signupdb.Date, p.DateOfBirth).
			Add("Skills", signupdb.NVarCharMax, optional(p.Skills)).
			Add("VolunteerID", signupdb.BigInt, id)
	}, r.dest()...)
	if err != nil || !found {
		return nil, err
	}
	return r.volunteer(), nil
}

// GetVolunteer returns volunteer id, or nil when there is none.
func (s *Store) GetVolunteer(ctx context.Context, id int64) (*Volunteer, error) {
	var r row
	found, err := s.db.QueryRow(ctx, selectVolunteer, func(p *signupdb.Params) {
		p.Add("VolunteerID", signupdb.BigInt, id)
	}, r.dest()...)
	if err != nil || !found {
		return nil, err
	}
	return r.volunteer(), nil
}

// MarkVerified records that a contact channel was confirmed. It reports
// false when no volunteer has that id.
func (s *Store) MarkVerified(ctx context.Context, id int64, ch Channel) (bool, error) {
	var stmt string
	switch ch {
	case ChannelEmail:
		stmt = markEmailVerified
	case ChannelPhone:
		stmt = markPhoneVerified
	default:
		return false, &ValidationError{Field: "channel", Reason: "unknown channel"}
	}
	res, err := s.db.Exec(ctx, stmt, func(p *signupdb.Params) {
		p.Add("VolunteerID", signupdb.BigInt, id)
	})
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// Authenticate checks a password. ok is false for an unknown email or a
// wrong password; the two are indistinguishable to the caller.
func (s *Store) Authenticate(ctx context.Context, email, password string) (id int64, ok bool, err error) {
	email, err = NormalizeEmail(email)
	if err != nil {
		return 0, false, err
	}
	var hash string
	found, err := s.db.QueryRow(ctx, selectPasswordHash, func(p *signupdb.Params) {
		p.Add("Email", signupdb.NVarChar(MaxEmailLen), email)
	}, &id, &hash)
	if err != nil {
		return 0, false, err
	}
	if !found {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return 0, false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// row is the scan target for a full volunteer row.
type row struct {
	id                   int64
	email                string
	phone, first, last   sql.NullString
	city, skills         sql.NullString
	dob                  signupdb.NullDate
	emailOK, phoneOK     bool
	createdAt, updatedAt time.Time
}

func (r *row) dest() []any {
	return []any{
		&r.id, &r.email, &r.phone, &r.first, &r.last, &r.city, &r.dob,
		&r.skills, &r.emailOK, &r.phoneOK, &r.createdAt, &r.updatedAt,
	}
}

func (r *row) volunteer() *Volunteer {
	return &Volunteer{
		ID:            r.id,
		Email:         r.email,
		Phone:         r.phone.String,
		FirstName:     r.first.String,
		LastName:      r.last.String,
		City:          r.city.String,
		Skills:        r.skills.String,
		EmailVerified: r.emailOK,
		PhoneVerified: r.phoneOK,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
		DateOfBirth:   r.dob.Ptr(),
	}
}

// optional binds an empty string as NULL.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

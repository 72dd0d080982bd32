package signupdb

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"
)

type typeKind int

const (
	kindVarChar typeKind = iota + 1
	kindNVarChar
	kindNVarCharMax
	kindInt
	kindBigInt
	kindBit
	kindDate
	kindDateTime2
	kindDateTimeOffset
)

// Type is the declared SQL type of a statement parameter.
type Type struct {
	kind typeKind
	size int
}

// VarChar is a single-byte string of at most n bytes.
func VarChar(n int) Type { return Type{kind: kindVarChar, size: n} }

// NVarChar is a Unicode string of at most n characters.
func NVarChar(n int) Type { return Type{kind: kindNVarChar, size: n} }

var (
	NVarCharMax    = Type{kind: kindNVarCharMax}
	Int            = Type{kind: kindInt}
	BigInt         = Type{kind: kindBigInt}
	Bit            = Type{kind: kindBit}
	Date           = Type{kind: kindDate}
	DateTime2      = Type{kind: kindDateTime2}
	DateTimeOffset = Type{kind: kindDateTimeOffset}
)

func (t Type) String() string {
	switch t.kind {
	case kindVarChar:
		return fmt.Sprintf("varchar(%d)", t.size)
	case kindNVarChar:
		return fmt.Sprintf("nvarchar(%d)", t.size)
	case kindNVarCharMax:
		return "nvarchar(max)"
	case kindInt:
		return "int"
	case kindBigInt:
		return "bigint"
	case kindBit:
		return "bit"
	case kindDate:
		return "date"
	case kindDateTime2:
		return "datetime2"
	case kindDateTimeOffset:
		return "datetimeoffset"
	}
	return "invalid"
}

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Params collects named, typed statement parameters. The first binding
// error is kept and reported when the statement runs.
type Params struct {
	args  []any
	names map[string]bool
	err   error
}

// BindFunc attaches the parameters of one statement.
type BindFunc func(p *Params)

// Add binds value to @name as typ. A nil pointer value binds NULL.
func (p *Params) Add(name string, typ Type, value any) *Params {
	if p.err != nil {
		return p
	}
	if !paramName.MatchString(name) {
		p.err = fmt.Errorf("invalid parameter name %q", name)
		return p
	}
	if p.names == nil {
		p.names = make(map[string]bool)
	}
	if p.names[name] {
		p.err = fmt.Errorf("parameter @%s bound twice", name)
		return p
	}
	v, err := convert(typ, value)
	if err != nil {
		p.err = fmt.Errorf("parameter @%s: %w", name, err)
		return p
	}
	p.names[name] = true
	p.args = append(p.args, sql.Named(name, v))
	return p
}

// Len is the number of bound parameters.
func (p *Params) Len() int { return len(p.args) }

func (p *Params) result() ([]any, error) {
	if p.err != nil {
		return nil, &StatementError{Op: "bind", Err: p.err}
	}
	return p.args, nil
}

func bind(fn BindFunc) ([]any, error) {
	var p Params
	if fn != nil {
		fn(&p)
	}
	return p.result()
}

func convert(t Type, value any) (any, error) {
	if isNilPointer(value) {
		return nil, nil
	}
	switch t.kind {
	case kindVarChar, kindNVarChar, kindNVarCharMax:
		s, ok := deref[string](value)
		if !ok {
			return nil, mismatch(t, value)
		}
		switch t.kind {
		case kindVarChar:
			if len(s) > t.size {
				return nil, fmt.Errorf("%d bytes exceed %s", len(s), t)
			}
			return mssql.VarChar(s), nil
		case kindNVarChar:
			if n := utf8.RuneCountInString(s); n > t.size {
				return nil, fmt.Errorf("%d characters exceed %s", n, t)
			}
			return s, nil
		}
		return mssql.NVarCharMax(s), nil
	case kindInt, kindBigInt:
		n, ok := integer(value)
		if !ok {
			return nil, mismatch(t, value)
		}
		if t.kind == kindInt && (n < -1<<31 || n > 1<<31-1) {
			return nil, fmt.Errorf("%d overflows int", n)
		}
		return n, nil
	case kindBit:
		b, ok := deref[bool](value)
		if !ok {
			return nil, mismatch(t, value)
		}
		return b, nil
	case kindDate:
		switch v := value.(type) {
		case civil.Date:
			return v, nil
		case *civil.Date:
			return *v, nil
		case NullDate:
			if !v.Valid {
				return nil, nil
			}
			return v.Date, nil
		case time.Time:
			return civil.DateOf(v), nil
		}
		return nil, mismatch(t, value)
	case kindDateTime2, kindDateTimeOffset:
		tm, ok := deref[time.Time](value)
		if !ok {
			return nil, mismatch(t, value)
		}
		if t.kind == kindDateTime2 {
			return civil.DateTimeOf(tm.UTC()), nil
		}
		return mssql.DateTimeOffset(tm), nil
	}
	return nil, fmt.Errorf("no declared type")
}

func mismatch(t Type, value any) error {
	return fmt.Errorf("%T cannot be bound as %s", value, t)
}

func deref[T any](value any) (T, bool) {
	switch v := value.(type) {
	case T:
		return v, true
	case *T:
		return *v, true
	}
	var zero T
	return zero, false
}

func integer(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case *int64:
		return *v, true
	case *int:
		return int64(*v), true
	}
	return 0, false
}

func isNilPointer(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case *string:
		return v == nil
	case *int:
		return v == nil
	case *int64:
		return v == nil
	case *bool:
		return v == nil
	case *civil.Date:
		return v == nil
	case *time.Time:
		return v == nil
	}
	return false
}

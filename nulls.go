package signupdb

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// NullDate is a DATE column that may be NULL. The driver returns DATE
// values as time.Time at midnight UTC; NullDate keeps only the date.
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullDate) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*n = NullDate{}
	case time.Time:
		*n = NullDate{Date: civil.DateOf(v), Valid: true}
	case civil.Date:
		*n = NullDate{Date: v, Valid: true}
	case string:
		d, err := civil.ParseDate(v)
		if err != nil {
			*n = NullDate{}
			return fmt.Errorf("signupdb: scan NullDate: %w", err)
		}
		*n = NullDate{Date: d, Valid: true}
	default:
		*n = NullDate{}
		return fmt.Errorf("signupdb: cannot scan %T into NullDate", value)
	}
	return nil
}

// Value implements driver.Valuer.
func (n NullDate) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Date, nil
}

// Ptr returns the date, or nil when NULL.
func (n NullDate) Ptr() *civil.Date {
	if !n.Valid {
		return nil
	}
	d := n.Date
	return &d
}

func (n NullDate) String() string {
	if !n.Valid {
		return "NULL"
	}
	return n.Date.String()
}

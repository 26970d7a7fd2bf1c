package store

import (
	"fmt"
	"regexp"
	"time"
)

// Dialect captures the few places the PostgreSQL and SQLite schemas differ.
type Dialect struct {
	name string
}

var (
	Postgres = Dialect{name: "postgres"}
	SQLite   = Dialect{name: "sqlite"}
)

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d Dialect) Name() string {
	return d.name
}

var ordinalParam = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders into SQLite's ?N form.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return ordinalParam.ReplaceAllString(query, "?$1")
}

// sqliteTimeLayout has a fixed-width fraction so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (d Dialect) Time(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (d Dialect) lockRow() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

type scanTime struct {
	dst *time.Time
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	time.DateTime,
}

func (s scanTime) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		*s.dst = time.Time{}
		return nil
	case time.Time:
		*s.dst = value.UTC()
		return nil
	case string:
		return s.parse(value)
	case []byte:
		return s.parse(string(value))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (s scanTime) parse(value string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			*s.dst = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp format: %q", value)
}

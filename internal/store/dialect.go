package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect isolates the few places where postgres and sqlite disagree.
type dialect struct {
	name     string
	idColumn string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {name: DriverSQLite, idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	DriverPostgres: {name: DriverPostgres, idColumn: "BIGSERIAL PRIMARY KEY", numbered: true},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders into the dialect's form. Queries in this
// package never contain a literal ? inside string constants.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS cities (
			id ` + d.idColumn + `,
			name VARCHAR(255) NOT NULL UNIQUE,
			country_code VARCHAR(10),
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id ` + d.idColumn + `,
			city_id BIGINT NOT NULL REFERENCES cities(id) ON DELETE CASCADE,
			temperature DOUBLE PRECISION NOT NULL,
			feels_like DOUBLE PRECISION,
			pressure INTEGER,
			humidity INTEGER,
			wind_speed DOUBLE PRECISION,
			description TEXT,
			visibility INTEGER,
			sunrise BIGINT,
			sunset BIGINT,
			data_time BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_city_time ON observations (city_id, data_time)`,
	}
}

// isUniqueViolation reports whether err is a unique constraint failure from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
		// primary result code only when extended codes are not reported
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// SQLStore implements Gateway over database/sql for postgres and sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clockwork.Clock
}

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithClock sets the clock used to stamp observation creation times.
func WithClock(clock clockwork.Clock) Option {
	return func(s *SQLStore) { s.clock = clock }
}

// Open connects to the database for driver ("sqlite" or "postgres"), verifies
// the connection and applies the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps per-connection pragmas in effect.
		db.SetMaxOpenConns(1)
	}

	s := newSQLStore(db, d, opts...)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		for _, pragma := range []string{`PRAGMA foreign_keys = ON`, `PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
			}
		}
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, dialect: d, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const cityColumns = `c.id, c.name, c.country_code, c.latitude, c.longitude`

const observationColumns = `o.id, o.city_id, o.temperature, o.feels_like, o.pressure, o.humidity,
	o.wind_speed, o.description, o.visibility, o.sunrise, o.sunset, o.data_time, o.created_at`

func (s *SQLStore) ListCities(ctx context.Context) (cities []models.City, err error) {
	defer s.observe("list_cities", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `SELECT `+cityColumns+` FROM cities c ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	defer rows.Close()

	cities = make([]models.City, 0)
	for rows.Next() {
		var c models.City
		if err := rows.Scan(&c.ID, &c.Name, &c.CountryCode, &c.Latitude, &c.Longitude); err != nil {
			return nil, fmt.Errorf("scan city: %w", err)
		}
		cities = append(cities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	return cities, nil
}

func (s *SQLStore) ListCitiesWithLatestWeather(ctx context.Context) (result []models.CityWithObservations, err error) {
	defer s.observe("list_cities_with_latest_weather", time.Now(), &err)

	query := `SELECT ` + cityColumns + `, ` + observationColumns + `
		FROM cities c
		LEFT JOIN observations o ON o.id = (
			SELECT o2.id FROM observations o2
			WHERE o2.city_id = c.id
			ORDER BY o2.data_time DESC, o2.id DESC
			LIMIT 1
		)
		ORDER BY c.id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cities with weather: %w", err)
	}
	defer rows.Close()

	result = make([]models.CityWithObservations, 0)
	for rows.Next() {
		var c models.City
		var o nullableObservation
		dest := append([]any{&c.ID, &c.Name, &c.CountryCode, &c.Latitude, &c.Longitude}, o.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan city with weather: %w", err)
		}
		entry := models.CityWithObservations{City: c, Weather: make([]models.Observation, 0, 1)}
		if obs, ok := o.observation(); ok {
			entry.Weather = append(entry.Weather, obs)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cities with weather: %w", err)
	}
	return result, nil
}

func (s *SQLStore) FindCityByName(ctx context.Context, name string) (city models.City, err error) {
	defer s.observe("find_city_by_name", time.Now(), &err)
	return s.findCityByName(ctx, name)
}

func (s *SQLStore) findCityByName(ctx context.Context, name string) (models.City, error) {
	var c models.City
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+cityColumns+` FROM cities c WHERE c.name = ?`), name)
	if err := row.Scan(&c.ID, &c.Name, &c.CountryCode, &c.Latitude, &c.Longitude); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.City{}, ErrNotFound
		}
		return models.City{}, fmt.Errorf("find city %q: %w", name, err)
	}
	return c, nil
}

func (s *SQLStore) FindCityWithWeatherWindow(ctx context.Context, name string, since time.Time) (result models.CityWithObservations, err error) {
	defer s.observe("find_city_with_weather_window", time.Now(), &err)

	city, err := s.findCityByName(ctx, name)
	if err != nil {
		return models.CityWithObservations{}, err
	}

	query := s.dialect.rebind(`SELECT ` + observationColumns + `
		FROM observations o
		WHERE o.city_id = ? AND o.data_time >= ?
		ORDER BY o.data_time ASC, o.id ASC`)
	rows, err := s.db.QueryContext(ctx, query, city.ID, since.Unix())
	if err != nil {
		return models.CityWithObservations{}, fmt.Errorf("weather window for %q: %w", name, err)
	}
	defer rows.Close()

	result = models.CityWithObservations{City: city, Weather: make([]models.Observation, 0)}
	for rows.Next() {
		var o nullableObservation
		if err := rows.Scan(o.dest()...); err != nil {
			return models.CityWithObservations{}, fmt.Errorf("scan observation: %w", err)
		}
		if obs, ok := o.observation(); ok {
			result.Weather = append(result.Weather, obs)
		}
	}
	if err := rows.Err(); err != nil {
		return models.CityWithObservations{}, fmt.Errorf("weather window for %q: %w", name, err)
	}
	return result, nil
}

func (s *SQLStore) CreateCity(ctx context.Context, city models.City, first models.Observation) (result models.CityWithObservations, err error) {
	defer s.observe("create_city", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.CityWithObservations{}, fmt.Errorf("begin create city: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`INSERT INTO cities (name, country_code, latitude, longitude) VALUES (?, ?, ?, ?) RETURNING id`),
		city.Name, city.CountryCode, city.Latitude, city.Longitude,
	).Scan(&city.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.CityWithObservations{}, fmt.Errorf("city %q: %w", city.Name, ErrAlreadyExists)
		}
		return models.CityWithObservations{}, fmt.Errorf("insert city %q: %w", city.Name, err)
	}

	obs, err := s.insertObservation(ctx, tx, city.ID, first)
	if err != nil {
		return models.CityWithObservations{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.CityWithObservations{}, fmt.Errorf("commit create city: %w", err)
	}
	return models.CityWithObservations{City: city, Weather: []models.Observation{obs}}, nil
}

func (s *SQLStore) DeleteCity(ctx context.Context, id int64) (city models.City, err error) {
	defer s.observe("delete_city", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.City{}, fmt.Errorf("begin delete city: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+cityColumns+` FROM cities c WHERE c.id = ?`), id,
	).Scan(&city.ID, &city.Name, &city.CountryCode, &city.Latitude, &city.Longitude)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.City{}, ErrNotFound
		}
		return models.City{}, fmt.Errorf("find city %d: %w", id, err)
	}

	if _, err = tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM observations WHERE city_id = ?`), id); err != nil {
		return models.City{}, fmt.Errorf("delete observations for city %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM cities WHERE id = ?`), id); err != nil {
		return models.City{}, fmt.Errorf("delete city %d: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return models.City{}, fmt.Errorf("commit delete city: %w", err)
	}
	return city, nil
}

func (s *SQLStore) CreateObservation(ctx context.Context, cityID int64, obs models.Observation) (result models.Observation, err error) {
	defer s.observe("create_observation", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Observation{}, fmt.Errorf("begin create observation: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM cities WHERE id = ?`), cityID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Observation{}, ErrNotFound
		}
		return models.Observation{}, fmt.Errorf("find city %d: %w", cityID, err)
	}

	result, err = s.insertObservation(ctx, tx, cityID, obs)
	if err != nil {
		return models.Observation{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Observation{}, fmt.Errorf("commit create observation: %w", err)
	}
	return result, nil
}

func (s *SQLStore) insertObservation(ctx context.Context, tx *sql.Tx, cityID int64, obs models.Observation) (models.Observation, error) {
	obs.CityID = cityID
	obs.DataTime = obs.DataTime.Truncate(time.Second).UTC()
	obs.CreatedAt = s.clock.Now().Truncate(time.Second).UTC()

	err := tx.QueryRowContext(ctx, s.dialect.rebind(`INSERT INTO observations
		(city_id, temperature, feels_like, pressure, humidity, wind_speed, description,
		 visibility, sunrise, sunset, data_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		cityID, obs.Temperature, obs.FeelsLike, obs.Pressure, obs.Humidity, obs.WindSpeed, obs.Description,
		obs.Visibility, obs.Sunrise, obs.Sunset, obs.DataTime.Unix(), obs.CreatedAt.Unix(),
	).Scan(&obs.ID)
	if err != nil {
		return models.Observation{}, fmt.Errorf("insert observation for city %d: %w", cityID, err)
	}
	return obs, nil
}

func (s *SQLStore) observe(operation string, start time.Time, errp *error) {
	status := "success"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case errors.Is(*errp, ErrAlreadyExists):
		status = "conflict"
	default:
		status = "error"
	}
	observability.StoreOperationDurationSeconds.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// nullableObservation scans an observation that may be entirely NULL (LEFT JOIN miss).
type nullableObservation struct {
	id          *int64
	cityID      *int64
	temperature *float64
	feelsLike   *float64
	pressure    *int
	humidity    *int
	windSpeed   *float64
	description *string
	visibility  *int
	sunrise     *int64
	sunset      *int64
	dataTime    *int64
	createdAt   *int64
}

func (n *nullableObservation) dest() []any {
	return []any{&n.id, &n.cityID, &n.temperature, &n.feelsLike, &n.pressure, &n.humidity,
		&n.windSpeed, &n.description, &n.visibility, &n.sunrise, &n.sunset, &n.dataTime, &n.createdAt}
}

func (n *nullableObservation) observation() (models.Observation, bool) {
	if n.id == nil {
		return models.Observation{}, false
	}
	obs := models.Observation{
		ID:          *n.id,
		FeelsLike:   n.feelsLike,
		Pressure:    n.pressure,
		Humidity:    n.humidity,
		WindSpeed:   n.windSpeed,
		Description: n.description,
		Visibility:  n.visibility,
		Sunrise:     n.sunrise,
		Sunset:      n.sunset,
	}
	if n.cityID != nil {
		obs.CityID = *n.cityID
	}
	if n.temperature != nil {
		obs.Temperature = *n.temperature
	}
	if n.dataTime != nil {
		obs.DataTime = time.Unix(*n.dataTime, 0).UTC()
	}
	if n.createdAt != nil {
		obs.CreatedAt = time.Unix(*n.createdAt, 0).UTC()
	}
	return obs, true
}

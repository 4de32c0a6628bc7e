package models

import "time"

// City is a tracked city. Name is unique and immutable once created.
type City struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	CountryCode *string  `json:"countryCode,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Observation is one weather reading for a city. Optional fields are nil when
// the upstream provider did not report them.
type Observation struct {
	ID          int64     `json:"id,omitempty"`
	CityID      int64     `json:"cityId,omitempty"`
	Temperature float64   `json:"temperature"`
	FeelsLike   *float64  `json:"feelsLike"`
	Pressure    *int      `json:"pressure"`
	Humidity    *int      `json:"humidity"`
	WindSpeed   *float64  `json:"windSpeed"`
	Description *string   `json:"description"`
	Visibility  *int      `json:"visibility"`
	Sunrise     *int64    `json:"sunrise"`
	Sunset      *int64    `json:"sunset"`
	DataTime    time.Time `json:"dataTime"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// CityWithObservations is a city together with a selection of its observations
// (latest one, or a time window, depending on the query).
type CityWithObservations struct {
	City
	Weather []Observation `json:"weather"`
}

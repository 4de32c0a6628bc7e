package service

// Cache keys. Every key whose value can include city X must be invalidated
// by any write that changes X's membership or adds an observation for X.
const (
	keyAllCities            = "cities:all"
	keyAllCitiesWithWeather = "cities:all:with-weather"
)

// Key classes label cache metrics without per-city cardinality.
const (
	classAllCities            = "cities_all"
	classAllCitiesWithWeather = "cities_all_with_weather"
	classCityWeather7d        = "city_weather_7d"
)

func cityWeatherKey(name string) string {
	return "cities:" + name + ":weather:7d"
}

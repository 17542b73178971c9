package telemetry

// Config configures the process-wide logger and metrics registry.
type Config struct {
	ServiceName string
	LogLevel    string // debug|info|warn|error
	LogFormat   string // "json" or "text"
}

// Profile is a named, pre-set Config for a deployment environment.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// Profiles holds the default Config per environment; ADT_LOG_LEVEL and
// ADT_LOG_FORMAT still override whatever profile is selected.
var Profiles = map[Profile]Config{
	ProfileDevelopment: {LogLevel: "debug", LogFormat: "text"},
	ProfileStaging:     {LogLevel: "info", LogFormat: "json"},
	ProfileProduction:  {LogLevel: "warn", LogFormat: "json"},
}

// UseProfile returns the named profile, defaulting to development.
func UseProfile(profile Profile) Config {
	if c, ok := Profiles[profile]; ok {
		return c
	}
	return Profiles[ProfileDevelopment]
}

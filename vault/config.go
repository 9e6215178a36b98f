package vault

// ConfigInfo is the global runtime configuration
type ConfigInfo struct {
	LogLevel   LogLevel
	LogFile    string
	UseJSONLog bool
	UserAgent  string
}

// NewConfig creates a new config with everything set to the default
func NewConfig() *ConfigInfo {
	c := new(ConfigInfo)

	// Set any values which aren't the zero for the type
	c.LogLevel = LogLevelNotice
	c.UserAgent = "vaultsync/" + Version

	return c
}

// Config is the global config
var Config = NewConfig()

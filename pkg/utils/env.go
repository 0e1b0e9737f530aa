package utils

// GetStringEnvVar returns a string variable from the given environment.
// If the variable is not set returns the default value
func GetStringEnvVar(env map[string]string, envVar string, defaultValue string) string {
	value := env[envVar]
	if value == "" {
		return defaultValue
	}
	return value
}

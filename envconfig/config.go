package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmorganca/safeconvert/logutil"
)

var (
	// Set via SAFECONVERT_DEBUG in the environment
	Debug bool
	// Set via SAFECONVERT_DEBUG=2 in the environment
	Trace bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SAFECONVERT_DEBUG": {"SAFECONVERT_DEBUG", Debug, "Show additional debug information (e.g. SAFECONVERT_DEBUG=1, or 2 to trace every tensor)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("SAFECONVERT_DEBUG"); debug != "" {
		if level, err := strconv.Atoi(debug); err == nil {
			Debug = level > 0
			Trace = level > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}
}

// LogLevel returns the log level selected by SAFECONVERT_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

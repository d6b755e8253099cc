package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// Set via GPU_OCCUPY_BACKEND in the environment
	Backend string
	// Set via GPU_OCCUPY_FRACTION in the environment
	Fraction float64
	// Set via GPU_OCCUPY_HOST_MEMORY in the environment
	HostMemory uint64
	// Set via GPU_OCCUPY_LOG_LEVEL in the environment
	LogLevel string
	// Set via GPU_OCCUPY_REPORT_INTERVAL in the environment
	ReportInterval time.Duration
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GPU_OCCUPY_BACKEND":         {"GPU_OCCUPY_BACKEND", Backend, "Compute backend, cuda or host (default \"cuda\")"},
		"GPU_OCCUPY_FRACTION":        {"GPU_OCCUPY_FRACTION", Fraction, "Share of device memory per buffer (default 0.45)"},
		"GPU_OCCUPY_HOST_MEMORY":     {"GPU_OCCUPY_HOST_MEMORY", HostMemory, "Memory the host backend treats as its device, e.g. 8GiB (default system RAM)"},
		"GPU_OCCUPY_LOG_LEVEL":       {"GPU_OCCUPY_LOG_LEVEL", LogLevel, "Log level DEBUG, INFO, WARN or ERROR (default INFO)"},
		"GPU_OCCUPY_REPORT_INTERVAL": {"GPU_OCCUPY_REPORT_INTERVAL", ReportInterval, "Log a progress line this often while occupying (default off)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Usage renders the environment variables for command help.
func Usage() string {
	vars := AsMap()
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Environment Variables:\n")
	for _, k := range names {
		fmt.Fprintf(&sb, "      %-28s %s\n", k, vars[k].Description)
	}
	return sb.String()
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Backend = "cuda"
	Fraction = 0.45
	HostMemory = 0
	LogLevel = "INFO"
	ReportInterval = 0

	if backend := clean("GPU_OCCUPY_BACKEND"); backend != "" {
		Backend = strings.ToLower(backend)
	}

	if f := clean("GPU_OCCUPY_FRACTION"); f != "" {
		val, err := strconv.ParseFloat(f, 64)
		if err != nil || val <= 0 || val >= 0.5 {
			slog.Error("invalid setting, must be between 0 and 0.5", "GPU_OCCUPY_FRACTION", f, "error", err)
		} else {
			Fraction = val
		}
	}

	if hm := clean("GPU_OCCUPY_HOST_MEMORY"); hm != "" {
		val, err := humanize.ParseBytes(hm)
		if err != nil {
			slog.Error("invalid setting, ignoring", "GPU_OCCUPY_HOST_MEMORY", hm, "error", err)
		} else {
			HostMemory = val
		}
	}

	if lvl := clean("GPU_OCCUPY_LOG_LEVEL"); lvl != "" {
		LogLevel = strings.ToUpper(lvl)
	}

	if ri := clean("GPU_OCCUPY_REPORT_INTERVAL"); ri != "" {
		d, err := time.ParseDuration(ri)
		if err != nil || d < 0 {
			slog.Error("invalid setting, ignoring", "GPU_OCCUPY_REPORT_INTERVAL", ri, "error", err)
		} else {
			ReportInterval = d
		}
	}
}

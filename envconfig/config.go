package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
)

var (
	// Set via FINETUNE_DEBUG in the environment
	Debug bool
	// Set via FINETUNE_DEVICES in the environment
	Devices int
	// Set via FINETUNE_DEVICE_TFLOPS in the environment
	DeviceTFLOPs float64
	// Set via FINETUNE_LOGS in the environment
	LogsDir string
	// Set via FINETUNE_SEED in the environment
	Seed int64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FINETUNE_DEBUG":         {"FINETUNE_DEBUG", Debug, "Show additional debug information (e.g. FINETUNE_DEBUG=1)"},
		"FINETUNE_DEVICES":       {"FINETUNE_DEVICES", Devices, "Default number of devices when --devices is not set (default 1)"},
		"FINETUNE_DEVICE_TFLOPS": {"FINETUNE_DEVICE_TFLOPS", DeviceTFLOPs, "Peak TFLOPs of one device, enables MFU reporting"},
		"FINETUNE_LOGS":          {"FINETUNE_LOGS", LogsDir, "Root directory for metrics logs (default \"logs\")"},
		"FINETUNE_SEED":          {"FINETUNE_SEED", Seed, "Seed shared by every rank before model init (default 1337)"},
	}
}

// Names returns the variable names in sorted order.
func Names() []string {
	names := maps.Keys(AsMap())
	slices.Sort(names)
	return names
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
	// default values
	Debug = false
	Devices = 1
	DeviceTFLOPs = 0
	LogsDir = "logs"
	Seed = 1337

	if debug := clean("FINETUNE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if devices := clean("FINETUNE_DEVICES"); devices != "" {
		n, err := strconv.Atoi(devices)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "FINETUNE_DEVICES", devices, "error", err)
		} else {
			Devices = n
		}
	}

	if tflops := clean("FINETUNE_DEVICE_TFLOPS"); tflops != "" {
		f, err := strconv.ParseFloat(tflops, 64)
		if err != nil || f < 0 {
			slog.Error("invalid setting, ignoring", "FINETUNE_DEVICE_TFLOPS", tflops, "error", err)
		} else {
			DeviceTFLOPs = f
		}
	}

	if logs := clean("FINETUNE_LOGS"); logs != "" {
		LogsDir = filepath.Clean(logs)
	}

	if seed := clean("FINETUNE_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "FINETUNE_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}
}

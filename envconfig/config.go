package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("NSSM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Device selects the compute backend for convolutions: "cpu" (default) or
// "gpu". Unknown values fall back to "cpu".
func Device() string {
	switch s := strings.ToLower(Var("NSSM_DEVICE")); s {
	case "", "cpu":
		return "cpu"
	case "gpu", "webgpu":
		return "gpu"
	default:
		slog.Warn("invalid NSSM_DEVICE, using cpu", "value", s)
		return "cpu"
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// NumThreads bounds per-sample CPU parallelism. 0 means runtime.NumCPU.
	NumThreads = Uint("NSSM_NUM_THREADS", 0)
	// BudgetMB is the soft GPU memory budget reported by device detection.
	BudgetMB = Uint("NSSM_BUDGET_MB", 128)
)

// Threads returns the effective CPU parallelism.
func Threads() int {
	if n := NumThreads(); n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NSSM_DEBUG":       {"NSSM_DEBUG", LogLevel(), "Show additional debug information (e.g. NSSM_DEBUG=1)"},
		"NSSM_DEVICE":      {"NSSM_DEVICE", Device(), "Convolution backend: cpu or gpu (default: cpu)"},
		"NSSM_NUM_THREADS": {"NSSM_NUM_THREADS", Threads(), "Maximum number of samples convolved in parallel"},
		"NSSM_BUDGET_MB":   {"NSSM_BUDGET_MB", BudgetMB(), "Soft GPU memory budget in MiB (default: 128)"},
	}
}

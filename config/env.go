package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// Environment variables that overlay the record's deployment surface.
// Tuning deliberately has no env override; it goes through the versioned
// record so every change is traceable to a version.
const (
	EnvMonitorListen    = "MPCD_MONITOR_LISTEN"
	EnvRecordingBackend = "MPCD_RECORDING_BACKEND"
	EnvRecordingPath    = "MPCD_RECORDING_PATH"
)

// LoadDotEnv loads variables from the given file into the process
// environment without overwriting ones already set. A missing file is
// fine; such deployments run on the process environment alone. An empty
// path means "./.env".
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &control.ResourceError{
			Resource: "env file",
			Cause:    err,
		}
	}
	if err := godotenv.Load(path); err != nil {
		return &control.ResourceError{
			Resource: "env file",
			Cause:    err,
		}
	}
	return nil
}

// ApplyEnv overlays the deployment-surface environment variables onto a
// record. The result should be validated again; the environment is no
// more trustworthy than the file.
func ApplyEnv(r Record) Record {
	if v := os.Getenv(EnvMonitorListen); v != "" {
		r.Monitoring.Listen = v
	}
	if v := os.Getenv(EnvRecordingBackend); v != "" {
		r.Recording.Backend = v
	}
	if v := os.Getenv(EnvRecordingPath); v != "" {
		r.Recording.Path = v
	}
	return r
}

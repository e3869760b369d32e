package datarecording

import (
	"os"
	"strings"
	"time"
)

// TableRunInfo holds one property/value row per fact about the daemon run.
const TableRunInfo = "run_info"

type runInfo struct {
	Property string
	Value    string
}

// RunRecorder stamps a recording with the context of the run that produced
// it: when it started, how it was invoked, and whatever the caller adds.
type RunRecorder struct {
	rec DataRecorder
}

// NewRunRecorder creates the recorder and its table.
func NewRunRecorder(rec DataRecorder) *RunRecorder {
	r := &RunRecorder{rec: rec}

	rec.CreateTable(TableRunInfo, runInfo{})

	return r
}

// Start records the start time, the command line, and the working
// directory.
func (r *RunRecorder) Start() {
	now := time.Now().Format("2006-01-02 15:04:05.000000000")
	r.Put("Start Time", now)

	r.Put("Command", strings.Join(os.Args, " "))

	cwd, err := os.Getwd()
	if err == nil {
		r.Put("Working Directory", cwd)
	}
}

// Put records one extra fact, such as the active config version.
func (r *RunRecorder) Put(property, value string) {
	r.rec.InsertData(TableRunInfo, runInfo{property, value})
}

// End records the end time and flushes the backend.
func (r *RunRecorder) End() {
	now := time.Now().Format("2006-01-02 15:04:05.000000000")
	r.Put("End Time", now)

	r.rec.Flush()
}

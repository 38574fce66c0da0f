package datarecording

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const execInfoTable = "exec_info"

const execTimeLayout = "2006-01-02 15:04:05.000000000"

type execInfo struct {
	Property string
	Value    string
}

// execRecorder describes a run in the exec_info table: how the program was
// invoked, the machine settings it ran with and when it started and ended.
type execRecorder struct {
	recorder DataRecorder
	entries  []execInfo
	now      func() time.Time
}

func newExecRecorder(
	recorder DataRecorder,
	properties map[string]string,
) *execRecorder {
	e := &execRecorder{
		recorder: recorder,
		now:      time.Now,
	}

	e.recorder.CreateTable(execInfoTable, execInfo{})
	e.start(properties)

	return e
}

func (e *execRecorder) start(properties map[string]string) {
	e.add("Start Time", e.now().Format(execTimeLayout))
	e.add("Command", strings.Join(os.Args, " "))
	e.add("Working Directory", workingDirectory())

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		e.add(k, properties[k])
	}
}

func (e *execRecorder) add(property, value string) {
	e.entries = append(e.entries, execInfo{property, value})
}

// End writes the buffered rows followed by the end time.
func (e *execRecorder) End() {
	e.add("End Time", e.now().Format(execTimeLayout))

	for _, entry := range e.entries {
		e.recorder.InsertData(execInfoTable, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}

func workingDirectory() string {
	cwd, err := os.Getwd()
	if err == nil {
		return cwd
	}

	ex, err := os.Executable()
	if err != nil {
		return ""
	}

	return filepath.Dir(ex)
}

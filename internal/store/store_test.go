package store

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestOpenAppliesMigrationsAndRecordsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "appman.db")
	s, err := Open(dbPath)
	assert.NilError(t, err)
	defer s.Close()

	assert.NilError(t, s.RecordTaskStarted("task-1", "com.example.hello", false, "Started"))
	assert.NilError(t, s.RecordTaskState("task-1", "Downloading"))
	assert.NilError(t, s.RecordTaskFinished("task-1", "Finished", ""))

	assert.NilError(t, s.RecordPackageActivated("com.example.hello", false))

	history, err := s.TaskHistory()
	assert.NilError(t, err)
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].State, "Finished")
	assert.Equal(t, history[0].PackageID, "com.example.hello")
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "appman.db")
	s1, err := Open(dbPath)
	assert.NilError(t, err)
	assert.NilError(t, s1.RecordTaskStarted("task-1", "com.example.hello", false, "Started"))
	assert.NilError(t, s1.Close())

	s2, err := Open(dbPath)
	assert.NilError(t, err)
	defer s2.Close()
	history, err := s2.TaskHistory()
	assert.NilError(t, err)
	assert.Equal(t, len(history), 1)
}

package pending

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/normalize"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[PENDING-TEST] ", log.LstdFlags)
}

func TestSaveThenLoadAllRoundTrips(t *testing.T) {
	store, err := NewStore(t.TempDir(), 30, testLogger())
	require.NoError(t, err)

	evt := normalize.Event{Source: normalize.SourceISUP, DeviceID: "DEV1", CardNumber: "ABCD"}
	rec, err := store.Save("acme", evt)
	require.NoError(t, err)
	require.NotEmpty(t, rec.FilePath())

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acme", records[0].Tenant)
	assert.Equal(t, "DEV1", records[0].Event.DeviceID)
	assert.Equal(t, rec.PendingID, records[0].PendingID)
}

func TestRemoveDeletesBackingFile(t *testing.T) {
	store, err := NewStore(t.TempDir(), 30, testLogger())
	require.NoError(t, err)

	rec, err := store.Save("acme", normalize.Event{DeviceID: "DEV1"})
	require.NoError(t, err)

	require.NoError(t, store.Remove(rec))

	_, statErr := os.Stat(rec.FilePath())
	assert.True(t, os.IsNotExist(statErr))

	records, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCountReflectsPendingFiles(t *testing.T) {
	store, err := NewStore(t.TempDir(), 30, testLogger())
	require.NoError(t, err)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = store.Save("acme", normalize.Event{DeviceID: "DEV1"})
	require.NoError(t, err)
	_, err = store.Save("acme", normalize.Event{DeviceID: "DEV2"})
	require.NoError(t, err)

	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCleanupOldRemovesExpiredFilesOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 1, testLogger())
	require.NoError(t, err)

	oldRec, err := store.Save("acme", normalize.Event{DeviceID: "OLD"})
	require.NoError(t, err)
	oldTime := time.Now().AddDate(0, 0, -5)
	require.NoError(t, os.Chtimes(oldRec.FilePath(), oldTime, oldTime))

	_, err = store.Save("acme", normalize.Event{DeviceID: "NEW"})
	require.NoError(t, err)

	removed, err := store.CleanupOld()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "NEW", records[0].Event.DeviceID)
}

func TestLoadAllSkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 30, testLogger())
	require.NoError(t, err)

	_, err = store.Save("acme", normalize.Event{DeviceID: "GOOD"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dir+"/broken.json", []byte("not json"), 0o644))

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "GOOD", records[0].Event.DeviceID)
}

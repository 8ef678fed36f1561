package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/model"
	"rentalsync/internal/override"
	"rentalsync/internal/pipeline"
)

// writeConfig creates a config whose outputs live in a temp directory.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	for _, key := range []string{"REPO_PATH", "AIRBNB_ICAL_URL", "BOOKING_ICAL_URL", "VRBO_ICAL_URL"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf("timezone: UTC\noutput_dir: %s\n%s", filepath.Join(dir, "data"), extra)
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path, filepath.Join(dir, "data")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitNoSources, ExitCode(fmt.Errorf("sync failed: %w", pipeline.ErrNoSources)))
	assert.Equal(t, ExitNoEvents, ExitCode(pipeline.ErrNoEvents))
	assert.Equal(t, ExitWrite, ExitCode(fmt.Errorf("x: %w", pipeline.ErrWrite)))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
}

func TestOverrideCommands(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")

	out, err := execute(t, "--config", cfgPath, "override", "add",
		"--type", "block_date", "--title", "Owner stay", "--start", "2026-02-10", "--end", "2026-02-12")
	require.NoError(t, err)
	assert.Contains(t, out, "Created override")
	assert.Contains(t, out, "Type: BLOCK_DATE")

	_, err = execute(t, "--config", cfgPath, "override", "add",
		"--type", "SOMETIMES", "--title", "x", "--start", "2026-02-10", "--end", "")
	assert.ErrorIs(t, err, override.ErrInvalid)

	out, err = execute(t, "--config", cfgPath, "override", "list", "-o", "json", "--date", "2026-02-11")
	require.NoError(t, err)
	var list []model.Override
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	id := list[0].ID

	out, err = execute(t, "--config", cfgPath, "override", "update", id, "--title", "Family")
	require.NoError(t, err)
	assert.Contains(t, out, "Title: Family")

	out, err = execute(t, "--config", cfgPath, "override", "block", "<ABC@Airbnb.com>")
	require.NoError(t, err)
	assert.Contains(t, out, "Blocked abc@airbnb.com")

	out, err = execute(t, "--config", cfgPath, "override", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total overrides: 1")
	assert.Contains(t, out, "Blocked UIDs: 1")

	exported := filepath.Join(dataDir, "manual_calendar.ics")
	_, err = execute(t, "--config", cfgPath, "override", "export", "--file", exported)
	require.NoError(t, err)
	body, err := os.ReadFile(exported)
	require.NoError(t, err)
	snap, err := override.DecodeCalendar(body)
	require.NoError(t, err)
	require.Len(t, snap.Overrides, 1)
	assert.Equal(t, "Family", snap.Overrides[0].Title)
	assert.Equal(t, []string{"abc@airbnb.com"}, snap.BlockedUIDs)

	out, err = execute(t, "--config", cfgPath, "override", "rm", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted override "+id)

	_, err = execute(t, "--config", cfgPath, "override", "get", id)
	assert.ErrorIs(t, err, override.ErrNotFound)
}

func TestSyncCommand(t *testing.T) {
	feed := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//feed//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:a1@airbnb.com\r\nSUMMARY:Reserved\r\n" +
		"DTSTART;VALUE=DATE:20260210\r\nDTEND;VALUE=DATE:20260215\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	cfgPath, dataDir := writeConfig(t, "sources:\n  airbnb:\n    url: "+srv.URL+"/calendar.ics\n")

	out, err := execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Reservations: 1")
	assert.Contains(t, out, "Master calendar:")
	assert.FileExists(t, filepath.Join(dataDir, "master_calendar.ics"))
	assert.FileExists(t, filepath.Join(dataDir, "import_calendar.ics"))
}

func TestSyncCommand_NoSources(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	_, err := execute(t, "--config", cfgPath, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitNoSources, ExitCode(err))
}

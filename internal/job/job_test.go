package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataValidate(t *testing.T) {
	now := time.Now().UTC()

	valid := &Data{Command: "echo hi", Cron: "* * * * *"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		data Data
	}{
		{"empty command", Data{Cron: "* * * * *"}},
		{"no schedule", Data{Command: "echo hi"}},
		{"both schedules", Data{Command: "echo hi", Cron: "* * * * *", RunAt: &now}},
		{"bad cron", Data{Command: "echo hi", Cron: "not a cron"}},
		{"all-digit name", Data{Command: "echo hi", Cron: "* * * * *", Name: "12345"}},
		{"bad name chars", Data{Command: "echo hi", Cron: "* * * * *", Name: "my job"}},
		{"negative retry", Data{Command: "echo hi", Cron: "* * * * *", Retry: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.data.Validate())
		})
	}
}

func TestNewJob_Cron(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	j := NewJob(&Data{Command: "echo hi", Cron: "* * * * *", Tags: []string{"Backup", "backup", " NIGHTLY "}}, now)

	assert.Equal(t, TypeCron, j.Type)
	assert.Equal(t, StatusActive, j.Status)
	assert.Equal(t, []string{"backup", "nightly"}, j.Tags)
	require.NotNil(t, j.NextRun)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), *j.NextRun)
}

func TestNewJob_Once(t *testing.T) {
	now := time.Now().UTC()
	at := now.Add(time.Hour)
	j := NewJob(&Data{Command: "echo hi", RunAt: &at}, now)

	assert.Equal(t, TypeOnce, j.Type)
	require.NotNil(t, j.NextRun)
	assert.Equal(t, at, *j.NextRun)
}

func TestComputeNextRun_PastOnceStaysDue(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	j := &Job{Type: TypeOnce, Status: StatusActive, RunAt: &past}
	j.ComputeNextRun(now)

	// The due detector, not next-run computation, handles past one-shots.
	require.NotNil(t, j.NextRun)
	assert.True(t, j.Due(now))
}

func TestComputeNextRun_InactiveIsNil(t *testing.T) {
	now := time.Now().UTC()
	j := &Job{Type: TypeCron, Status: StatusPaused, Cron: "* * * * *"}
	j.ComputeNextRun(now)
	assert.Nil(t, j.NextRun)
}

func TestDue_ExactInstant(t *testing.T) {
	now := time.Now().UTC()
	j := &Job{Type: TypeOnce, Status: StatusActive, RunAt: &now, NextRun: &now}
	assert.True(t, j.Due(now))
	assert.False(t, j.Due(now.Add(-time.Millisecond)))
}

func TestPatch_ToggleScheduleKind(t *testing.T) {
	now := time.Now().UTC()
	j := NewJob(&Data{Command: "echo hi", Cron: "* * * * *"}, now)

	at := now.Add(time.Hour)
	patch := &Patch{RunAt: &at}
	require.NoError(t, patch.Validate())
	patch.Apply(j, now)

	assert.Equal(t, TypeOnce, j.Type)
	assert.Empty(t, j.Cron)
	require.NotNil(t, j.RunAt)

	cron := "0 6 * * *"
	back := &Patch{Cron: &cron}
	require.NoError(t, back.Validate())
	back.Apply(j, now)

	assert.Equal(t, TypeCron, j.Type)
	assert.Nil(t, j.RunAt)
	assert.Equal(t, cron, j.Cron)
}

func TestPatch_Validate(t *testing.T) {
	empty := ""
	bad := &Patch{Command: &empty}
	assert.Error(t, bad.Validate())

	digits := "42"
	assert.Error(t, (&Patch{Name: &digits}).Validate())

	now := time.Now().UTC()
	cron := "* * * * *"
	assert.Error(t, (&Patch{Cron: &cron, RunAt: &now}).Validate())
}

func TestClone_Independence(t *testing.T) {
	now := time.Now().UTC()
	j := NewJob(&Data{
		Command: "echo hi",
		Cron:    "* * * * *",
		Tags:    []string{"a"},
		Env:     map[string]string{"K": "v"},
	}, now)

	c := j.Clone()
	c.Tags[0] = "b"
	c.Env["K"] = "changed"
	c.NextRun = nil

	assert.Equal(t, []string{"a"}, j.Tags)
	assert.Equal(t, "v", j.Env["K"])
	assert.NotNil(t, j.NextRun)
}

func TestDurationJSON(t *testing.T) {
	d := Duration(200 * time.Millisecond)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"200ms"`, string(data))

	var back Duration
	require.NoError(t, json.Unmarshal([]byte(`"1h30m"`), &back))
	assert.Equal(t, Duration(90*time.Minute), back)

	require.NoError(t, json.Unmarshal([]byte(`30`), &back))
	assert.Equal(t, Duration(30*time.Second), back)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &back))
}

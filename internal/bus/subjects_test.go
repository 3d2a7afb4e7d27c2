package bus

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/herald/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestValidateID(t *testing.T) {
	valid := []string{"dev", "ci-1", "0b9f6a0e-3c5e-4b9b-8a53-2d2f7f1d9a11", "host_2"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), id)
	}
	invalid := []string{"", "a.b", "a*", "a>", "a b", "tab\there", "nl\n"}
	for _, id := range invalid {
		assert.Error(t, ValidateID(id), "%q", id)
	}
}

func TestSubjectBuilders(t *testing.T) {
	s, err := JobsSubject("dev")
	require.NoError(t, err)
	assert.Equal(t, "jobs.dev", s)

	s, err = LogsSubject("dev", "j1")
	require.NoError(t, err)
	assert.Equal(t, "logs.dev.j1", s)

	s, err = DoneSubject("dev", "j1")
	require.NoError(t, err)
	assert.Equal(t, "done.dev.j1", s)

	s, err = ControlSubject("dev", "j1")
	require.NoError(t, err)
	assert.Equal(t, "control.dev.j1", s)

	s, err = ControlPattern("dev")
	require.NoError(t, err)
	assert.Equal(t, "control.dev.*", s)

	_, err = LogsSubject("dev", "j.1")
	assert.Error(t, err)
	_, err = JobsSubject("*")
	assert.Error(t, err)
}

func TestParseSubject(t *testing.T) {
	got, err := ParseSubject("done.dev.j1")
	require.NoError(t, err)
	assert.Equal(t, Subject{Kind: KindDone, Target: "dev", JobID: "j1"}, got)

	got, err = ParseSubject("jobs.ci")
	require.NoError(t, err)
	assert.Equal(t, Subject{Kind: KindJobs, Target: "ci"}, got)

	for _, bad := range []string{"", "jobs", "logs.dev", "other.dev.j1", "logs.dev.j1.extra", "done..j1"} {
		_, err := ParseSubject(bad)
		assert.Error(t, err, bad)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"jobs.dev", "jobs.dev", true},
		{"jobs.dev", "jobs.ci", false},
		{"logs.*.*", "logs.dev.j1", true},
		{"logs.*.*", "logs.dev", false},
		{"logs.*.*", "done.dev.j1", false},
		{"control.dev.*", "control.dev.j1", true},
		{"control.dev.*", "control.ci.j1", false},
		{"logs.>", "logs.dev.j1", true},
		{"logs.>", "logs", false},
		{">", "anything.at.all", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

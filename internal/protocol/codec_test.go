package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/herald/internal/job"
)

func TestEncodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid envelope",
			env: &Envelope{
				ID:             "job-123",
				TargetID:       "dev",
				Command:        []string{"git", "status"},
				TimeoutSeconds: 1800,
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"command":["git","status"]`) {
					t.Error("command must be encoded as argv")
				}
				if strings.Contains(output, "origin") {
					t.Error("envelope must not carry the origin")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			env:     &Envelope{Protocol: 2, ID: "x", TargetID: "dev", Command: []string{"ls"}},
			wantErr: true,
		},
		{
			name:    "missing command",
			env:     &Envelope{ID: "x", TargetID: "dev"},
			wantErr: true,
		},
		{
			name:    "negative timeout",
			env:     &Envelope{ID: "x", TargetID: "dev", Command: []string{"ls"}, TimeoutSeconds: -1},
			wantErr: true,
		},
		{
			name:    "timeout beyond maximum",
			env:     &Envelope{ID: "x", TargetID: "dev", Command: []string{"ls"}, TimeoutSeconds: 1e12},
			wantErr: true,
		},
		{
			name: "timeout at maximum",
			env:  &Envelope{ID: "x", TargetID: "dev", Command: []string{"ls"}, TimeoutSeconds: job.MaxTimeout.Seconds()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, string(data))
			}
		})
	}
}

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		errMsg  string
	}{
		{
			name:  "valid stdout chunk",
			input: `{"protocol":1,"job_id":"j","target_id":"dev","stream":"stdout","sequence":1,"text":"hello\n"}`,
		},
		{
			name:    "unknown stream",
			input:   `{"protocol":1,"job_id":"j","target_id":"dev","stream":"stdin","sequence":1,"text":""}`,
			wantErr: true,
			errMsg:  "invalid stream value",
		},
		{
			name:    "sequence starts at one",
			input:   `{"protocol":1,"job_id":"j","target_id":"dev","stream":"stderr","sequence":0,"text":""}`,
			wantErr: true,
			errMsg:  "invalid sequence",
		},
		{
			name:    "unknown field rejected",
			input:   `{"protocol":1,"job_id":"j","stream":"stdout","sequence":1,"text":"","extra":true}`,
			wantErr: true,
			errMsg:  "unknown field",
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
			errMsg:  "failed to decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeChunk([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeChunk() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if c.JobID != "j" || c.Stream != job.Stdout || c.Sequence != 1 {
				t.Errorf("unexpected chunk: %+v", c)
			}
		})
	}
}

func TestDoneEventRequiresTerminalStatus(t *testing.T) {
	_, err := Encode(&DoneEvent{JobID: "j", Status: job.StatusRunning})
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}

	data, err := Encode(&DoneEvent{JobID: "j", TargetID: "dev", Status: job.StatusFailed, ExitCode: job.IntPtr(2)})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	d, err := DecodeDone(data)
	if err != nil {
		t.Fatalf("DecodeDone() error = %v", err)
	}
	if d.ExitCode == nil || *d.ExitCode != 2 {
		t.Errorf("exit code lost: %+v", d.ExitCode)
	}
}

func TestDecodeControl(t *testing.T) {
	if _, err := DecodeControl([]byte(`{"protocol":1,"job_id":"j","action":"stop"}`)); err != nil {
		t.Fatalf("DecodeControl() error = %v", err)
	}
	if _, err := DecodeControl([]byte(`{"protocol":1,"job_id":"j","action":"pause"}`)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestEnvelopeForJob(t *testing.T) {
	j := &job.Job{
		ID:       "abc",
		TargetID: "dev",
		OriginID: "chat-1",
		Command:  []string{"sleep", "1"},
		Env:      map[string]string{"A": "1"},
		Timeout:  1500 * time.Millisecond,
	}
	env := EnvelopeFor(j)
	if env.TimeoutSeconds != 1.5 {
		t.Errorf("TimeoutSeconds = %v, want 1.5", env.TimeoutSeconds)
	}
	if env.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v", env.Timeout())
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	back, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	spec := back.Spec("remote")
	if spec.ID != "abc" || spec.OriginID != "remote" || spec.Env["A"] != "1" {
		t.Errorf("unexpected spec: %+v", spec)
	}
}

func TestDoneForJob(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Second)
	j := &job.Job{
		ID:         "abc",
		TargetID:   "dev",
		Status:     job.StatusDone,
		ExitCode:   job.IntPtr(0),
		PID:        77,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
	d := DoneFor(j, job.Offsets{Stdout: 3})
	if !d.FinishedAt.Equal(finished) || d.Chunks.Stdout != 3 || d.PID != 77 {
		t.Errorf("unexpected done event: %+v", d)
	}
}

func TestDecodeEnvelopeRejectsOverflowingTimeout(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"protocol":1,"id":"j","target_id":"dev","command":["ls"],"timeout_seconds":1e300}`))
	if err == nil || !strings.Contains(err.Error(), "invalid timeout_seconds") {
		t.Fatalf("DecodeEnvelope() error = %v, want timeout rejection", err)
	}
}

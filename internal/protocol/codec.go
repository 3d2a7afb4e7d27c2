package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/herald/internal/job"
)

// Message is any of the wire types.
type Message interface {
	validate() error
}

// Encode validates and serializes a wire message. The version is stamped if unset.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Envelope:
		if v.Protocol == 0 {
			v.Protocol = Version
		}
	case *Chunk:
		if v.Protocol == 0 {
			v.Protocol = Version
		}
	case *DoneEvent:
		if v.Protocol == 0 {
			v.Protocol = Version
		}
	case *Control:
		if v.Protocol == 0 {
			v.Protocol = Version
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a job envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeChunk parses and validates an output chunk.
func DecodeChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := decode(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeDone parses and validates a done event.
func DecodeDone(data []byte) (*DoneEvent, error) {
	var d DoneEvent
	if err := decode(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeControl parses and validates a control message.
func DecodeControl(data []byte) (*Control, error) {
	var c Control
	if err := decode(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decode(data []byte, m Message) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return m.validate()
}

func checkVersion(v int) error {
	if v != Version {
		return fmt.Errorf("unsupported protocol version: %d", v)
	}
	return nil
}

func (e *Envelope) validate() error {
	if err := checkVersion(e.Protocol); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("envelope missing required field: id")
	}
	if e.TargetID == "" {
		return fmt.Errorf("envelope missing required field: target_id")
	}
	if len(e.Command) == 0 || e.Command[0] == "" {
		return fmt.Errorf("envelope missing required field: command")
	}
	// Also rejects NaN.
	if !(e.TimeoutSeconds >= 0 && e.TimeoutSeconds <= job.MaxTimeout.Seconds()) {
		return fmt.Errorf("invalid timeout_seconds: %v (must be between 0 and %v)", e.TimeoutSeconds, job.MaxTimeout.Seconds())
	}
	return nil
}

func (c *Chunk) validate() error {
	if err := checkVersion(c.Protocol); err != nil {
		return err
	}
	if c.JobID == "" {
		return fmt.Errorf("chunk missing required field: job_id")
	}
	if c.Stream != job.Stdout && c.Stream != job.Stderr {
		return fmt.Errorf("invalid stream value: %q (must be 'stdout' or 'stderr')", c.Stream)
	}
	if c.Sequence < 1 {
		return fmt.Errorf("invalid sequence: %d", c.Sequence)
	}
	return nil
}

func (d *DoneEvent) validate() error {
	if err := checkVersion(d.Protocol); err != nil {
		return err
	}
	if d.JobID == "" {
		return fmt.Errorf("done event missing required field: job_id")
	}
	if !job.IsTerminal(d.Status) {
		return fmt.Errorf("invalid status value: %q (must be terminal)", d.Status)
	}
	if d.Chunks.Stdout < 0 || d.Chunks.Stderr < 0 {
		return fmt.Errorf("invalid chunk counts: %+v", d.Chunks)
	}
	return nil
}

func (c *Control) validate() error {
	if err := checkVersion(c.Protocol); err != nil {
		return err
	}
	if c.JobID == "" {
		return fmt.Errorf("control missing required field: job_id")
	}
	if c.Action != ActionStop {
		return fmt.Errorf("invalid action value: %q", c.Action)
	}
	return nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/herald/internal/chat"
	"github.com/mattjoyce/herald/internal/job"
)

// listLimit caps /jobs replies.
const listLimit = 10

// HandleText runs one chat message from originID. Replies go through the
// chat outbox; the returned error is for logging only.
func (d *Dispatcher) HandleText(ctx context.Context, originID, text string) error {
	a := chat.Parse(text)
	logger := d.logger.With("origin_id", originID, "action", string(a.Kind))

	switch a.Kind {
	case chat.KindNoop:
		return nil

	case chat.KindInvalid:
		d.reply(originID, a.Problem)
		return nil

	case chat.KindHosts:
		d.reply(originID, "Hosts: "+strings.Join(d.opts.Targets, ", "))
		return nil

	case chat.KindJobs:
		return d.replyJobs(ctx, originID, a.Target)

	case chat.KindLogs:
		j, err := d.ownedJob(ctx, originID, a.JobID)
		if err != nil {
			d.reply(originID, fmt.Sprintf("Job `%s` not found.", a.JobID))
			return err
		}
		d.reply(originID, formatJobRecord(j))
		return nil

	case chat.KindStop:
		if _, err := d.ownedJob(ctx, originID, a.JobID); err != nil {
			d.reply(originID, fmt.Sprintf("Job `%s` not found.", a.JobID))
			return err
		}
		if err := d.RequestStop(ctx, a.JobID); err != nil {
			if errors.Is(err, job.ErrInvalidTransition) {
				d.reply(originID, fmt.Sprintf("Job `%s` already finished.", a.JobID))
				return nil
			}
			d.reply(originID, fmt.Sprintf("Could not stop job `%s`.", a.JobID))
			return err
		}
		d.reply(originID, fmt.Sprintf("Stop requested for `%s`.", a.JobID))
		return nil

	case chat.KindExec, chat.KindRun:
		id, err := d.Submit(ctx, Action{OriginID: originID, TargetID: a.Target, Command: a.Command})
		if err != nil {
			// Rejections and publish failures are already reported.
			if id == "" {
				d.reply(originID, "Could not queue job.")
			}
			logger.Warn("submit failed", "job_id", id, "error", err)
			return err
		}
		return nil
	}
	return nil
}

func (d *Dispatcher) reply(originID, text string) {
	d.outbox.enqueue(originID, text)
}

// ownedJob hides jobs of other chats.
func (d *Dispatcher) ownedJob(ctx context.Context, originID, jobID string) (*job.Job, error) {
	j, err := d.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OriginID != originID {
		return nil, job.NotFound(jobID)
	}
	return j, nil
}

func (d *Dispatcher) replyJobs(ctx context.Context, originID, target string) error {
	var (
		jobs []*job.Job
		err  error
	)
	if target != "" {
		jobs, err = d.registry.ListByTarget(ctx, target, 0)
	} else {
		jobs, err = d.registry.ListByOrigin(ctx, originID, listLimit)
	}
	if err != nil {
		d.reply(originID, "Could not list jobs.")
		return err
	}

	lines := make([]string, 0, listLimit)
	for _, j := range jobs {
		if j.OriginID != originID {
			continue
		}
		lines = append(lines, formatJobLine(j))
		if len(lines) == listLimit {
			break
		}
	}
	if len(lines) == 0 {
		d.reply(originID, "No jobs.")
		return nil
	}
	d.reply(originID, strings.Join(lines, "\n"))
	return nil
}

// Package chat turns inbound chat text into actions and delivers replies
// through the WAHA HTTP API.
package chat

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Kind identifies what a chat message asks for.
type Kind string

const (
	KindNoop    Kind = "noop"
	KindInvalid Kind = "invalid"
	KindHosts   Kind = "hosts"
	KindJobs    Kind = "jobs"
	KindLogs    Kind = "logs"
	KindStop    Kind = "stop"
	KindExec    Kind = "exec"
	KindRun     Kind = "run"
)

// DefaultTarget is used when a command names no host.
const DefaultTarget = "dev"

// Action is a parsed chat command.
type Action struct {
	Kind    Kind
	Target  string
	JobID   string
	Command []string
	// Problem explains a KindInvalid action.
	Problem string
}

// RunCommand builds the argv of a /run prompt.
func RunCommand(prompt string) []string {
	return []string{"cc", "run", "--prompt", prompt}
}

// Parse maps one chat message to an action. Text that is not a command is a
// noop so ordinary conversation is ignored.
func Parse(text string) Action {
	text = strings.TrimSpace(text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return Action{Kind: KindNoop}
	}

	head, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(head) {
	case "/hosts":
		return Action{Kind: KindHosts}
	case "/jobs":
		return Action{Kind: KindJobs, Target: firstField(rest)}
	case "/logs":
		return jobAction(KindLogs, rest)
	case "/stop":
		return jobAction(KindStop, rest)
	case "/exec":
		return parseExec(rest)
	case "/run":
		return parseRun(rest)
	default:
		return Action{Kind: KindNoop}
	}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func jobAction(kind Kind, rest string) Action {
	id := firstField(rest)
	if id == "" {
		return invalid("usage: /%s <job id>", kind)
	}
	return Action{Kind: kind, JobID: id}
}

// parseExec handles `/exec host=<id> cmd="pytest -q"`. Without cmd= the
// remaining words are the command.
func parseExec(rest string) Action {
	tokens, err := shlex.Split(rest)
	if err != nil {
		return invalid("cannot parse command: %v", err)
	}

	target := DefaultTarget
	var (
		cmdText string
		hasCmd  bool
		words   []string
	)
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "host="):
			target = strings.TrimPrefix(tok, "host=")
		case strings.HasPrefix(tok, "cmd="):
			cmdText = strings.TrimPrefix(tok, "cmd=")
			hasCmd = true
		default:
			words = append(words, tok)
		}
	}

	argv := words
	if hasCmd {
		argv, err = shlex.Split(cmdText)
		if err != nil {
			return invalid("cannot parse cmd: %v", err)
		}
	}
	if len(argv) == 0 {
		return invalid(`usage: /exec host=<id> cmd="<command>"`)
	}
	if target == "" {
		return invalid("host must not be empty")
	}
	return Action{Kind: KindExec, Target: target, Command: argv}
}

// parseRun handles `/run host=<id> "<prompt>"`.
func parseRun(rest string) Action {
	tokens, err := shlex.Split(rest)
	if err != nil {
		return invalid("cannot parse prompt: %v", err)
	}

	target := DefaultTarget
	var words []string
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "host=") {
			target = strings.TrimPrefix(tok, "host=")
			continue
		}
		words = append(words, tok)
	}

	prompt := strings.TrimSpace(strings.Join(words, " "))
	if prompt == "" {
		return invalid(`usage: /run host=<id> "<prompt>"`)
	}
	if target == "" {
		return invalid("host must not be empty")
	}
	return Action{Kind: KindRun, Target: target, Command: RunCommand(prompt)}
}

func invalid(format string, args ...any) Action {
	return Action{Kind: KindInvalid, Problem: fmt.Sprintf(format, args...)}
}

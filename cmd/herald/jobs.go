package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/herald/internal/inspect"
	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/storage"
	"github.com/mattjoyce/herald/internal/tui/watch"
)

// openStore opens the origin's job store read side.
func openStore(ctx context.Context, configPath string) (*job.SQLiteStore, *sql.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, nil, fmt.Errorf("job store %s not found: %w", cfg.State.Path, err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return job.NewSQLiteStore(db), db, nil
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	target := fs.String("target", "", "Only jobs for this target")
	origin := fs.String("origin", "", "Only jobs from this chat")
	limit := fs.Int("limit", 20, "Maximum number of jobs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, db, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	var jobs []*job.Job
	switch {
	case *target != "":
		jobs, err = store.ListByTarget(ctx, *target, *limit)
	case *origin != "":
		jobs, err = store.ListByOrigin(ctx, *origin, *limit)
	default:
		jobs, err = store.ListRecent(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(jobViews(jobs))
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return 0
	}

	fmt.Println(jobTable(jobs))
	return 0
}

// jobTable renders jobs as a borderless, space-aligned table.
func jobTable(jobs []*job.Job) string {
	cell := lipgloss.NewStyle().PaddingRight(2)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers("ID", "TARGET", "STATUS", "CREATED", "COMMAND")
	for _, j := range jobs {
		t.Row(j.ID, j.TargetID, string(j.Status), j.CreatedAt.Local().Format(time.DateTime), strings.Join(j.Command, " "))
	}
	return t.String()
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")

	// Allow the id before or after flags.
	var id string
	var flagArgs []string
	for _, a := range args {
		if id == "" && !strings.HasPrefix(a, "-") {
			id = a
			continue
		}
		flagArgs = append(flagArgs, a)
	}
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: herald job inspect <job_id> [--config PATH] [--json]")
		return 1
	}

	ctx := context.Background()
	store, db, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	if _, err := store.Get(ctx, id); errors.Is(err, job.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Job %s not found\n", id)
		return 1
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, db, id)
	} else {
		out, err = inspect.BuildReport(ctx, db, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runJobWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, db, err := openStore(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	p := tea.NewProgram(watch.New(store))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type jobView struct {
	ID         string      `json:"id"`
	TargetID   string      `json:"target_id"`
	OriginID   string      `json:"origin_id"`
	Command    []string    `json:"command"`
	Status     job.Status  `json:"status"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	PID        int         `json:"pid,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Chunks     job.Offsets `json:"chunks"`
}

func newJobView(j *job.Job) jobView {
	return jobView{
		ID:         j.ID,
		TargetID:   j.TargetID,
		OriginID:   j.OriginID,
		Command:    j.Command,
		Status:     j.Status,
		ExitCode:   j.ExitCode,
		Reason:     j.Reason,
		PID:        j.PID,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Chunks:     j.Offsets,
	}
}

func jobViews(jobs []*job.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	return out
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

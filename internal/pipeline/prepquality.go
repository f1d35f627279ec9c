package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/todos"
)

// NotificationResolver is the slice of the notification repository the
// prepare-quality cartridge drives. *sqlite.NotificationRepository satisfies
// it.
type NotificationResolver interface {
	Resolve(idempotencyKey, by string, now time.Time) error
	ClaimByKey(idempotencyKey, by string, now time.Time) error
}

// prepQualityActor is the actor recorded on notifications this cartridge
// claims or resolves.
const prepQualityActor = "prepare-quality"

// PrepareQuality scores planning artifacts announced by
// domain.todo.plan.written envelopes against a fixed rubric, applies bounded
// structural normalization to the artifact, writes a report file, records
// the result in the todo's state, and resolves the projected notification
// when the score clears the configured bar. Plans below the bar leave the
// notification claimed so a human sees it.
type PrepareQuality struct {
	cfg           config.PrepareQualityConfig
	reportDir     string
	catalog       *todos.Catalog
	notifications NotificationResolver
	clk           clock.Clock
}

// NewPrepareQuality builds the cartridge. reportDir is created lazily on the
// first report.
func NewPrepareQuality(cfg config.PrepareQualityConfig, reportDir string, catalog *todos.Catalog, notifications NotificationResolver, clk clock.Clock) *PrepareQuality {
	return &PrepareQuality{
		cfg:           cfg,
		reportDir:     reportDir,
		catalog:       catalog,
		notifications: notifications,
		clk:           clk,
	}
}

// Name implements Cartridge.
func (q *PrepareQuality) Name() string { return prepQualityActor }

// Process implements Cartridge. Only plan-written envelopes react; the
// envelope always passes through regardless of the verdict.
func (q *PrepareQuality) Process(_ context.Context, env *domain.EventEnvelope) (*domain.EventEnvelope, error) {
	if env.Type != domain.EventTodoPlanWritten {
		return env, nil
	}

	var ev domain.TodoPlanWritten
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return env, fmt.Errorf("decode plan-written payload: %w", err)
	}
	if ev.TodoID == "" || ev.Path == "" {
		return env, fmt.Errorf("plan-written envelope %s missing todo_id or path", env.EnvelopeID)
	}

	report, err := q.review(ev.TodoID, ev.Path)
	if err != nil {
		// The notification stays open; somebody has to look either way.
		q.setStatus(env, false)
		return env, err
	}

	reportPath, err := q.writeReport(report)
	if err != nil {
		q.setStatus(env, false)
		return env, err
	}
	if _, err := q.catalog.RecordPlanQuality(ev.TodoID, ev.Path, reportPath, report.Score); err != nil {
		log.ErrorErr(log.CatPipeline, "failed to record plan quality", err, "todo", ev.TodoID)
	}

	q.setStatus(env, report.Passed)
	log.Info(log.CatPipeline, "plan reviewed",
		"todo", ev.TodoID,
		"score", fmt.Sprintf("%.2f", report.Score),
		"passed", report.Passed,
		"report", reportPath)
	return env, nil
}

// setStatus resolves or claims the envelope's projected notification. The
// projector keys notifications the same way, idempotency key falling back to
// the envelope id.
func (q *PrepareQuality) setStatus(env *domain.EventEnvelope, passed bool) {
	key := env.IdempotencyKey
	if key == "" {
		key = env.EnvelopeID
	}
	now := q.clk.Now()

	var err error
	if passed {
		err = q.notifications.Resolve(key, prepQualityActor, now)
	} else {
		err = q.notifications.ClaimByKey(key, prepQualityActor, now)
	}
	if err != nil {
		log.Warn(log.CatPipeline, "notification status update failed",
			"key", key, "passed", passed, "error", err)
	}
}

// RubricCheck is one scored criterion of the plan rubric.
type RubricCheck struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	Passed bool    `yaml:"passed"`
	Detail string  `yaml:"detail,omitempty"`
}

// QualityReport is the persisted review result.
type QualityReport struct {
	TodoID      string        `yaml:"todo_id"`
	Plan        string        `yaml:"plan"`
	Score       float64       `yaml:"score"`
	MinScore    float64       `yaml:"min_score"`
	Passed      bool          `yaml:"passed"`
	Checks      []RubricCheck `yaml:"checks"`
	GeneratedAt time.Time     `yaml:"generated_at"`
}

// review normalizes the plan in place and scores the normalized text.
func (q *PrepareQuality) review(todoID, planPath string) (*QualityReport, error) {
	raw, err := os.ReadFile(planPath) //nolint:gosec // G304: path comes from a trusted agent envelope
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", planPath, err)
	}

	text := NormalizePlan(string(raw))
	if text != string(raw) {
		if err := os.WriteFile(planPath, []byte(text), 0o644); err != nil { //nolint:gosec
			log.Warn(log.CatPipeline, "plan normalization not written back",
				"plan", planPath, "error", err)
		}
	}

	checks := ScorePlan(text)
	score := 0.0
	for _, c := range checks {
		if c.Passed {
			score += c.Weight
		}
	}

	return &QualityReport{
		TodoID:      todoID,
		Plan:        planPath,
		Score:       score,
		MinScore:    q.cfg.MinScore,
		Passed:      score >= q.cfg.MinScore,
		Checks:      checks,
		GeneratedAt: q.clk.Now(),
	}, nil
}

func (q *PrepareQuality) writeReport(report *QualityReport) (string, error) {
	if err := os.MkdirAll(q.reportDir, 0o700); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(q.reportDir, report.TodoID+"-plan-quality.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

var (
	headingSpaceRe = regexp.MustCompile(`(?m)^(#{1,6})([^#\s])`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
	listItemRe     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)
)

// NormalizePlan applies the bounded structural cleanups the reviewer is
// allowed to make: trailing whitespace, missing space after heading markers,
// runs of blank lines, and the final newline. It never adds or removes
// content.
func NormalizePlan(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = headingSpaceRe.ReplaceAllString(out, "$1 $2")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	out = strings.TrimRight(out, "\n") + "\n"
	return out
}

// ScorePlan evaluates the fixed rubric. Weights sum to 1.
func ScorePlan(text string) []RubricCheck {
	lower := strings.ToLower(text)

	hasHeading := func(names ...string) bool {
		for _, n := range names {
			if strings.Contains(lower, "\n## "+n) || strings.HasPrefix(lower, "## "+n) {
				return true
			}
		}
		return false
	}

	titled := strings.HasPrefix(strings.TrimSpace(text), "# ")
	steps := listItemRe.FindAllString(text, -1)

	return []RubricCheck{
		{
			Name:   "title",
			Weight: 0.15,
			Passed: titled,
			Detail: "plan opens with a top-level heading",
		},
		{
			Name:   "objective",
			Weight: 0.20,
			Passed: hasHeading("objective", "goal", "context", "overview"),
			Detail: "an Objective/Goal/Context section states what this is for",
		},
		{
			Name:   "steps",
			Weight: 0.30,
			Passed: hasHeading("steps", "plan", "tasks", "approach") && len(steps) >= 3,
			Detail: "a Steps/Tasks section breaks the work into at least three items",
		},
		{
			Name:   "risks",
			Weight: 0.15,
			Passed: hasHeading("risks", "open questions", "unknowns"),
			Detail: "risks or open questions are called out",
		},
		{
			Name:   "acceptance",
			Weight: 0.20,
			Passed: hasHeading("acceptance", "verification", "done", "validation"),
			Detail: "acceptance or verification criteria close the plan",
		},
	}
}

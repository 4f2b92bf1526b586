package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jobman/jobman/internal/timeparse"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Names share the lookup namespace with numeric ids, so an all-digit
	// name is rejected.
	_ = v.RegisterValidation("jobname", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return nameRe.MatchString(name) && !allDigits(name)
	})
	return v
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Data is the user-supplied portion of a job, as carried by job:add.
type Data struct {
	Command string            `json:"command" validate:"required"`
	Name    string            `json:"name,omitempty" validate:"omitempty,jobname"`
	Cron    string            `json:"cron,omitempty"`
	RunAt   *time.Time        `json:"runAt,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Timeout *Duration         `json:"timeout,omitempty"`
	Retry   int               `json:"retry,omitempty" validate:"gte=0"`
}

// Validate checks Data against the model invariants.
func (d *Data) Validate() error {
	if err := validate.Struct(d); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			switch errs[0].Field() {
			case "Command":
				return fmt.Errorf("command is required")
			case "Name":
				return fmt.Errorf("invalid name %q: letters, digits, _ and - only, not all digits", d.Name)
			case "Retry":
				return fmt.Errorf("retry must be >= 0")
			}
		}
		return err
	}
	if d.Cron != "" && d.RunAt != nil {
		return fmt.Errorf("cron and runAt are mutually exclusive")
	}
	if d.Cron == "" && d.RunAt == nil {
		return fmt.Errorf("either cron or runAt is required")
	}
	if d.Cron != "" {
		if err := timeparse.ValidateCron(d.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", d.Cron, err)
		}
	}
	return nil
}

// NewJob builds a Job from validated Data. The caller assigns the id.
func NewJob(d *Data, now time.Time) *Job {
	j := &Job{
		Name:      d.Name,
		Command:   d.Command,
		Cron:      d.Cron,
		Tags:      normalizeTags(d.Tags),
		Env:       d.Env,
		Cwd:       d.Cwd,
		Shell:     d.Shell,
		Timeout:   d.Timeout,
		Retry:     d.Retry,
		Status:    StatusActive,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if d.RunAt != nil {
		t := d.RunAt.UTC()
		j.RunAt = &t
		j.Type = TypeOnce
	} else {
		j.Type = TypeCron
	}
	j.ComputeNextRun(now)
	return j
}

// Patch carries the mutable fields of job:update. Nil means "leave alone";
// setting Cron clears RunAt and vice versa.
type Patch struct {
	Command *string            `json:"command,omitempty"`
	Name    *string            `json:"name,omitempty"`
	Cron    *string            `json:"cron,omitempty"`
	RunAt   *time.Time         `json:"runAt,omitempty"`
	Tags    *[]string          `json:"tags,omitempty"`
	Env     *map[string]string `json:"env,omitempty"`
	Cwd     *string            `json:"cwd,omitempty"`
	Shell   *string            `json:"shell,omitempty"`
	Timeout *Duration          `json:"timeout,omitempty"`
	Retry   *int               `json:"retry,omitempty"`
}

// Validate checks the patch fields that carry values.
func (p *Patch) Validate() error {
	if p.Command != nil && strings.TrimSpace(*p.Command) == "" {
		return fmt.Errorf("command must not be empty")
	}
	if p.Name != nil && *p.Name != "" {
		if !nameRe.MatchString(*p.Name) || allDigits(*p.Name) {
			return fmt.Errorf("invalid name %q: letters, digits, _ and - only, not all digits", *p.Name)
		}
	}
	if p.Cron != nil && p.RunAt != nil {
		return fmt.Errorf("cron and runAt are mutually exclusive")
	}
	if p.Cron != nil {
		if err := timeparse.ValidateCron(*p.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", *p.Cron, err)
		}
	}
	if p.Retry != nil && *p.Retry < 0 {
		return fmt.Errorf("retry must be >= 0")
	}
	return nil
}

// Apply writes the patch onto j and rederives Type and NextRun.
func (p *Patch) Apply(j *Job, now time.Time) {
	if p.Command != nil {
		j.Command = *p.Command
	}
	if p.Name != nil {
		j.Name = *p.Name
	}
	if p.Cron != nil {
		j.Cron = *p.Cron
		j.RunAt = nil
		j.Type = TypeCron
	}
	if p.RunAt != nil {
		t := p.RunAt.UTC()
		j.RunAt = &t
		j.Cron = ""
		j.Type = TypeOnce
	}
	if p.Tags != nil {
		j.Tags = normalizeTags(*p.Tags)
	}
	if p.Env != nil {
		j.Env = *p.Env
	}
	if p.Cwd != nil {
		j.Cwd = *p.Cwd
	}
	if p.Shell != nil {
		j.Shell = *p.Shell
	}
	if p.Timeout != nil {
		d := *p.Timeout
		j.Timeout = &d
	}
	if p.Retry != nil {
		j.Retry = *p.Retry
	}
	j.UpdatedAt = now.UTC()
	j.ComputeNextRun(now)
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeTag lowercases and trims a single tag for lookups and mutations.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

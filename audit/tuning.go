package audit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the sweep thresholds. Deployments override them through a
// small YAML file; everything has a sane default so the file is optional.
type Tuning struct {
	// StaleClaimedDefault is how long a claim may sit before the job is
	// assumed abandoned.
	StaleClaimedDefault time.Duration
	// StaleClaimedByKind overrides the window per job kind. Long-running
	// kinds (big PDF builds) get wider windows than page-sized OCR.
	StaleClaimedByKind map[string]time.Duration
	// MaxAttempts caps automatic retries of failed jobs.
	MaxAttempts int
	// StuckIngestingAfter is how long a fully-paged record may idle in
	// ingesting before the sweep completes the ingest on the scraper's
	// behalf.
	StuckIngestingAfter time.Duration
	// Interval between periodic sweeps.
	Interval time.Duration
}

// UnmarshalYAML accepts Go duration syntax ("45m", "2h30m") for the
// windows and only overrides fields the file actually sets, so partial
// files inherit the defaults.
func (t *Tuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		StaleClaimedDefault string            `yaml:"stale_claimed_default"`
		StaleClaimedByKind  map[string]string `yaml:"stale_claimed_by_kind"`
		MaxAttempts         *int              `yaml:"max_attempts"`
		StuckIngestingAfter string            `yaml:"stuck_ingesting_after"`
		Interval            string            `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parse := func(s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	if err := parse(raw.StaleClaimedDefault, &t.StaleClaimedDefault); err != nil {
		return err
	}
	if err := parse(raw.StuckIngestingAfter, &t.StuckIngestingAfter); err != nil {
		return err
	}
	if err := parse(raw.Interval, &t.Interval); err != nil {
		return err
	}
	if raw.MaxAttempts != nil {
		t.MaxAttempts = *raw.MaxAttempts
	}
	if len(raw.StaleClaimedByKind) > 0 {
		t.StaleClaimedByKind = make(map[string]time.Duration, len(raw.StaleClaimedByKind))
		for kind, s := range raw.StaleClaimedByKind {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("window for %s: %w", kind, err)
			}
			t.StaleClaimedByKind[kind] = d
		}
	}
	return nil
}

// DefaultTuning returns the stock thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		StaleClaimedDefault: time.Hour,
		MaxAttempts:         3,
		StuckIngestingAfter: 10 * time.Minute,
		Interval:            30 * time.Minute,
	}
}

// LoadTuning reads overrides from a YAML file. A missing path (or empty
// string) yields the defaults; a present but malformed file is an error,
// since silently ignoring a typo'd threshold is worse than failing start.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("audit: read tuning: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("audit: parse tuning %s: %w", path, err)
	}
	if t.StaleClaimedDefault <= 0 || t.MaxAttempts <= 0 || t.StuckIngestingAfter <= 0 || t.Interval <= 0 {
		return t, fmt.Errorf("audit: tuning %s: thresholds must be positive", path)
	}
	return t, nil
}

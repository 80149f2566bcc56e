package automation

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/okian/verdict/internal/domain/model"
)

// RulesFile is the on-disk layout of seeded rules:
//
//	[[rules]]
//	id = "close-at-six"
//	competition_id = "c1"
//	trigger_type = "SCHEDULE"
//	action_type = "CLOSE_VOTING"
//	[rules.trigger_config]
//	at = "2026-06-01T18:00:00Z"
type RulesFile struct {
	Rules []RuleSpec `toml:"rules"`
}

// LoadRulesFile reads and builds every rule in a TOML file. All rules are
// validated; the returned error joins every failure.
func LoadRulesFile(path string, now time.Time) ([]Rule, error) {
	// #nosec G304 - path comes from operator configuration
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw, now)
}

// ParseRules builds rules from TOML bytes.
func ParseRules(raw []byte, now time.Time) ([]Rule, error) {
	var f RulesFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w: %w", model.ErrInvalidConfig, err)
	}
	out := make([]Rule, 0, len(f.Rules))
	var errs []error
	for i, spec := range f.Rules {
		normalizeTOML(spec.TriggerConfig)
		normalizeTOML(spec.ActionConfig)
		r, err := spec.Build(model.SystemActor.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

// normalizeTOML turns TOML local date-times into RFC 3339 strings so
// config maps decode the same way HTTP bodies do.
func normalizeTOML(cfg map[string]any) {
	for k, v := range cfg {
		switch t := v.(type) {
		case time.Time:
			cfg[k] = t.UTC().Format(time.RFC3339Nano)
		case toml.LocalDateTime:
			cfg[k] = t.AsTime(time.UTC).Format(time.RFC3339Nano)
		case map[string]any:
			normalizeTOML(t)
		}
	}
}

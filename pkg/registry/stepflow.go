// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/pitchai/service-monitor/pkg/checks/synthetic"
)

const (
	maxStepflowName  = 120
	maxStepflowSteps = 60
	maxFillText      = 5000

	// Longer literals must reference a secret through the environment
	// instead of embedding it in the stored definition.
	maxInlineFillText = 512

	maxSleepMS       = 30_000
	maxSelectorCount = 10_000
	minViewportDim   = 100
	maxViewportDim   = 5000
)

var secretPlaceholderRE = regexp.MustCompile(`\$\{[A-Z0-9_]{1,64}\}`)

var stepflowTypes = map[string]struct{}{
	"goto": {}, "click": {}, "fill": {}, "press": {},
	"wait_for_selector": {}, "expect_url_contains": {}, "expect_text": {},
	"expect_title_contains": {}, "expect_selector_count": {},
	"screenshot": {}, "set_viewport": {}, "sleep": {}, "sleep_ms": {},
}

// ParseStepflow decodes a submitted definition (JSON or YAML), validates
// it and returns the normalized transaction plus its canonical JSON
// form as stored in the database.
func ParseStepflow(raw []byte) (synthetic.Transaction, string, error) {
	var tx synthetic.Transaction

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return tx, "", errors.New("empty_definition")
	}
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &tx); err != nil {
			return tx, "", errors.Wrap(err, "invalid_json")
		}
	} else if err := yaml.Unmarshal([]byte(trimmed), &tx); err != nil {
		return tx, "", errors.Wrap(err, "invalid_yaml")
	}

	if err := ValidateStepflow(&tx); err != nil {
		return tx, "", err
	}

	canonical, err := json.Marshal(tx)
	if err != nil {
		return tx, "", err
	}
	return tx, string(canonical), nil
}

// ValidateStepflow checks a transaction against the closed step grammar
// and normalizes in place (trimmed name, clamped sleeps). Errors carry a
// stable kind with the offending step index in brackets.
func ValidateStepflow(tx *synthetic.Transaction) error {
	tx.Name = strings.TrimSpace(tx.Name)
	if tx.Name == "" || len(tx.Name) > maxStepflowName {
		return errors.Errorf("invalid_name: 1-%d chars required", maxStepflowName)
	}
	if len(tx.Steps) == 0 {
		return errors.New("empty_steps")
	}
	if len(tx.Steps) > maxStepflowSteps {
		return errors.Errorf("too_many_steps: %d > %d", len(tx.Steps), maxStepflowSteps)
	}

	for i := range tx.Steps {
		if err := validateStep(&tx.Steps[i], i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step *synthetic.Step, idx int) error {
	typ := strings.ToLower(strings.TrimSpace(step.Type))
	step.Type = typ
	if _, ok := stepflowTypes[typ]; !ok {
		return errors.Errorf("unknown_step_type[%d]: %q", idx, step.Type)
	}

	switch typ {
	case "click", "wait_for_selector":
		if strings.TrimSpace(step.Selector) == "" {
			return errors.Errorf("missing_selector[%d]", idx)
		}

	case "fill":
		if strings.TrimSpace(step.Selector) == "" {
			return errors.Errorf("missing_selector[%d]", idx)
		}
		if len(step.Text) > maxFillText {
			return errors.Errorf("fill_text_too_long[%d]: %d > %d", idx, len(step.Text), maxFillText)
		}
		if len(step.Text) > maxInlineFillText && !secretPlaceholderRE.MatchString(step.Text) {
			return errors.Errorf("fill_text_must_use_secret_placeholder[%d]", idx)
		}

	case "expect_url_contains":
		if strings.TrimSpace(step.Value) == "" {
			return errors.Errorf("missing_value[%d]", idx)
		}

	case "expect_text":
		if strings.TrimSpace(step.Text) == "" {
			return errors.Errorf("missing_text[%d]", idx)
		}

	case "expect_title_contains":
		if strings.TrimSpace(step.Text) == "" && strings.TrimSpace(step.Value) == "" {
			return errors.Errorf("missing_text[%d]", idx)
		}

	case "expect_selector_count":
		if strings.TrimSpace(step.Selector) == "" {
			return errors.Errorf("missing_selector[%d]", idx)
		}
		if step.Count == nil {
			return errors.Errorf("missing_count[%d]", idx)
		}
		if *step.Count < 0 || *step.Count > maxSelectorCount {
			return errors.Errorf("selector_count_out_of_range[%d]: %d", idx, *step.Count)
		}

	case "set_viewport":
		if step.Width < minViewportDim || step.Width > maxViewportDim ||
			step.Height < minViewportDim || step.Height > maxViewportDim {
			return errors.Errorf("viewport_out_of_range[%d]: %dx%d", idx, step.Width, step.Height)
		}

	case "sleep", "sleep_ms":
		if step.MS != nil {
			ms := *step.MS
			if ms < 0 {
				ms = 0
			}
			if ms > maxSleepMS {
				ms = maxSleepMS
			}
			*step.MS = ms
		}
	}
	return nil
}

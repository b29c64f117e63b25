// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/service-monitor/pkg/checks/synthetic"
)

func TestParseStepflowJSON(t *testing.T) {
	raw := `{
		"name": "login flow",
		"steps": [
			{"type": "goto", "url": "/login"},
			{"type": "fill", "selector": "#user", "text": "alice"},
			{"type": "click", "selector": "#submit"},
			{"type": "expect_url_contains", "value": "/dashboard"}
		]
	}`
	tx, canonical, err := ParseStepflow([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "login flow", tx.Name)
	require.Len(t, tx.Steps, 4)
	assert.Equal(t, "goto", tx.Steps[0].Type)

	// Canonical form round-trips.
	var again synthetic.Transaction
	require.NoError(t, json.Unmarshal([]byte(canonical), &again))
	assert.Equal(t, tx.Name, again.Name)
	assert.Len(t, again.Steps, 4)
}

func TestParseStepflowYAML(t *testing.T) {
	raw := `
name: checkout
steps:
  - type: goto
  - type: wait_for_selector
    selector: "#cart"
  - type: expect_text
    text: Total
`
	tx, _, err := ParseStepflow([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "checkout", tx.Name)
	assert.Len(t, tx.Steps, 3)
}

func TestParseStepflowRejectsGarbage(t *testing.T) {
	_, _, err := ParseStepflow([]byte(""))
	require.Error(t, err)

	_, _, err = ParseStepflow([]byte(`{"name": "x", "steps":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_json")
}

func step(typ string) synthetic.Step { return synthetic.Step{Type: typ} }

func flow(steps ...synthetic.Step) *synthetic.Transaction {
	return &synthetic.Transaction{Name: "t", Steps: steps}
}

func TestValidateStepflowNameAndSize(t *testing.T) {
	tx := flow(step("goto"))
	tx.Name = ""
	assert.ErrorContains(t, ValidateStepflow(tx), "invalid_name")

	tx = flow(step("goto"))
	tx.Name = strings.Repeat("n", 121)
	assert.ErrorContains(t, ValidateStepflow(tx), "invalid_name")

	tx = flow()
	assert.ErrorContains(t, ValidateStepflow(tx), "empty_steps")

	steps := make([]synthetic.Step, 61)
	for i := range steps {
		steps[i] = step("goto")
	}
	tx = flow(steps...)
	assert.ErrorContains(t, ValidateStepflow(tx), "too_many_steps")
}

func TestValidateStepflowUnknownType(t *testing.T) {
	err := ValidateStepflow(flow(step("goto"), step("hover")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_step_type[1]")
}

func TestValidateStepflowRequiredFields(t *testing.T) {
	cases := []struct {
		step synthetic.Step
		want string
	}{
		{synthetic.Step{Type: "click"}, "missing_selector[0]"},
		{synthetic.Step{Type: "fill"}, "missing_selector[0]"},
		{synthetic.Step{Type: "wait_for_selector"}, "missing_selector[0]"},
		{synthetic.Step{Type: "expect_url_contains"}, "missing_value[0]"},
		{synthetic.Step{Type: "expect_text"}, "missing_text[0]"},
		{synthetic.Step{Type: "expect_title_contains"}, "missing_text[0]"},
		{synthetic.Step{Type: "expect_selector_count", Selector: "li"}, "missing_count[0]"},
		{synthetic.Step{Type: "expect_selector_count"}, "missing_selector[0]"},
		{synthetic.Step{Type: "set_viewport", Width: 50, Height: 700}, "viewport_out_of_range[0]"},
		{synthetic.Step{Type: "set_viewport", Width: 1280, Height: 9000}, "viewport_out_of_range[0]"},
	}
	for _, tc := range cases {
		err := ValidateStepflow(flow(tc.step))
		require.Error(t, err, tc.step.Type)
		assert.Contains(t, err.Error(), tc.want)
	}
}

func TestValidateStepflowFillSecretPolicy(t *testing.T) {
	// Short literal is fine.
	fill := synthetic.Step{Type: "fill", Selector: "#pw", Text: strings.Repeat("a", 512)}
	assert.NoError(t, ValidateStepflow(flow(fill)))

	// Long literal without a placeholder smells like an embedded secret.
	fill.Text = strings.Repeat("a", 513)
	err := ValidateStepflow(flow(step("goto"), fill))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fill_text_must_use_secret_placeholder[1]")

	// Same length with a placeholder passes.
	fill.Text = "${LOGIN_SECRET}" + strings.Repeat("a", 513)
	assert.NoError(t, ValidateStepflow(flow(fill)))

	// Hard cap regardless of placeholders.
	fill.Text = "${LOGIN_SECRET}" + strings.Repeat("a", 5001)
	err = ValidateStepflow(flow(fill))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fill_text_too_long[0]")
}

func TestValidateStepflowSelectorCountRange(t *testing.T) {
	n := 10_001
	err := ValidateStepflow(flow(synthetic.Step{Type: "expect_selector_count", Selector: "li", Count: &n}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector_count_out_of_range[0]")

	zero := 0
	assert.NoError(t, ValidateStepflow(flow(synthetic.Step{Type: "expect_selector_count", Selector: "li", Count: &zero})))
}

func TestValidateStepflowClampsSleep(t *testing.T) {
	over := 90_000
	under := -5
	tx := flow(
		synthetic.Step{Type: "sleep_ms", MS: &over},
		synthetic.Step{Type: "sleep", MS: &under},
	)
	require.NoError(t, ValidateStepflow(tx))
	assert.Equal(t, 30_000, *tx.Steps[0].MS)
	assert.Equal(t, 0, *tx.Steps[1].MS)
}

func TestValidateStepflowNormalizesType(t *testing.T) {
	tx := flow(synthetic.Step{Type: "  GOTO  "})
	require.NoError(t, ValidateStepflow(tx))
	assert.Equal(t, "goto", tx.Steps[0].Type)
}

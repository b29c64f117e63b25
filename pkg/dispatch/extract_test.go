// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleLog = `starting runner
{"type":"item.started","item":{"type":"command","text":"ls"}}
{"type":"item.completed","item":{"type":"command","text":"ls done"}}
{"type":"item.completed","item":{"type":"agent_message","text":"first conclusion"}}
{"type":"item.updated","item":{"type":"agent_message","text":"final conclusion"}}
plain trailing line
`

func TestExtractLastAgentMessage(t *testing.T) {
	assert.Equal(t, "final conclusion", ExtractLastAgentMessage(sampleLog))
}

func TestExtractLastAgentMessageStableUnderNonAgentAppends(t *testing.T) {
	extended := sampleLog + "\nnot json\n{\"type\":\"item.completed\",\"item\":{\"type\":\"command\",\"text\":\"curl\"}}\n"
	assert.Equal(t, ExtractLastAgentMessage(sampleLog), ExtractLastAgentMessage(extended))
}

func TestExtractLastAgentMessageEmptyCases(t *testing.T) {
	assert.Empty(t, ExtractLastAgentMessage(""))
	assert.Empty(t, ExtractLastAgentMessage("no json here\nat all"))
	// Empty text does not count as a message.
	assert.Empty(t, ExtractLastAgentMessage(`{"type":"item.completed","item":{"type":"agent_message","text":"  "}}`))
	// Broken JSON lines are skipped, not fatal.
	assert.Empty(t, ExtractLastAgentMessage(`{"type":"item.completed","item":`))
}

func TestExtractLastErrorMessage(t *testing.T) {
	logText := `{"type":"item.completed","item":{"type":"agent_message","text":""}}
{"type":"error","message":"quota exceeded for org"}
trailing`
	assert.Equal(t, "quota exceeded for org", ExtractLastErrorMessage(logText))
	assert.Empty(t, ExtractLastErrorMessage(sampleLog))
}

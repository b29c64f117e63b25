// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package dispatch

import (
	"encoding/json"
	"strings"
)

type execLogItem struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

type execLogLine struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Error   string       `json:"error"`
	Item    *execLogItem `json:"item"`
}

// ExtractLastAgentMessage scans the exec log tail from the end and
// returns the text of the most recent agent_message item, or "" when
// none exists. Lines that are not JSON objects are skipped, so
// extending the log with non-agent lines never changes the result.
func ExtractLastAgentMessage(logText string) string {
	lines := strings.Split(logText, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		s := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(s, "{") {
			continue
		}
		var obj execLogLine
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			continue
		}
		if obj.Type != "item.completed" && obj.Type != "item.updated" {
			continue
		}
		if obj.Item == nil || obj.Item.Type != "agent_message" {
			continue
		}
		if strings.TrimSpace(obj.Item.Text) != "" {
			return obj.Item.Text
		}
	}
	return ""
}

// ExtractLastErrorMessage is the error-side counterpart: it returns the
// most recent terminal error string in the log tail, looking at
// top-level error records and error items.
func ExtractLastErrorMessage(logText string) string {
	lines := strings.Split(logText, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		s := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(s, "{") {
			continue
		}
		var obj execLogLine
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			continue
		}
		switch {
		case obj.Type == "error" && strings.TrimSpace(obj.Message) != "":
			return obj.Message
		case obj.Type == "error" && strings.TrimSpace(obj.Error) != "":
			return obj.Error
		case (obj.Type == "item.completed" || obj.Type == "item.updated") &&
			obj.Item != nil && obj.Item.Type == "error":
			if strings.TrimSpace(obj.Item.Message) != "" {
				return obj.Item.Message
			}
			if strings.TrimSpace(obj.Item.Text) != "" {
				return obj.Item.Text
			}
		}
	}
	return ""
}

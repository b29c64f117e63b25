// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package dockercheck watches the health of the containers running on
// the monitored host through the Docker Engine API.
package dockercheck

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/pitchai/service-monitor/pkg/util/log"
)

// Issue is one container found in a bad state, or a probe-level
// failure (name "docker", empty id).
type Issue struct {
	Name            string `json:"name"`
	ContainerID     string `json:"container_id"`
	Running         *bool  `json:"running,omitempty"`
	Status          string `json:"status,omitempty"`
	RestartCount    *int   `json:"restart_count,omitempty"`
	RestartIncrease *int   `json:"restart_increase,omitempty"`
	OOMKilled       *bool  `json:"oom_killed,omitempty"`
	HealthStatus    string `json:"health_status,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	Error           string `json:"error,omitempty"`
}

// EngineAPI is the slice of the Docker client the check needs.
type EngineAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Config selects which containers are monitored.
type Config struct {
	Enabled             bool     `yaml:"enabled"`
	SocketPath          string   `yaml:"socket_path"`
	IncludeNamePatterns []string `yaml:"include_name_patterns"`
	ExcludeNamePatterns []string `yaml:"exclude_name_patterns"`
	MonitorAll          bool     `yaml:"monitor_all"`
	TimeoutSeconds      float64  `yaml:"timeout_seconds"`
}

// Checker inspects containers and tracks restart counts between
// cycles.
type Checker struct {
	api     EngineAPI
	cfg     Config
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewChecker connects to the engine over the configured unix socket.
func NewChecker(cfg Config) (*Checker, error) {
	socket := cfg.SocketPath
	if socket == "" {
		socket = "/var/run/docker.sock"
	}
	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to docker engine")
	}
	return NewCheckerWithAPI(api, cfg), nil
}

// NewCheckerWithAPI wires an existing engine client (tests use a fake).
func NewCheckerWithAPI(api EngineAPI, cfg Config) *Checker {
	return &Checker{
		api:     api,
		cfg:     cfg,
		include: compilePatterns(cfg.IncludeNamePatterns),
		exclude: compilePatterns(cfg.ExcludeNamePatterns),
	}
}

// compilePatterns treats invalid regexes as literal substrings rather
// than dropping them.
func compilePatterns(items []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		re, err := regexp.Compile(s)
		if err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(s))
		}
		out = append(out, re)
	}
	return out
}

func matchesAny(name string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// Check lists and inspects the selected containers. It returns the
// issues found and the restart counts to feed back on the next cycle.
// prevRestartCounts is keyed by full container id.
func (c *Checker) Check(ctx context.Context, prevRestartCounts map[string]int) ([]Issue, map[string]int) {
	timeout := time.Duration(c.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout*4)
	defer cancel()

	listing, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return []Issue{{Name: "docker", Error: "docker_list_failed: " + err.Error()}}, map[string]int{}
	}

	currentCounts := make(map[string]int)
	var issues []Issue

	for _, entry := range listing {
		cid := strings.TrimSpace(entry.ID)
		if cid == "" {
			continue
		}
		name := ""
		if len(entry.Names) > 0 {
			name = strings.TrimPrefix(entry.Names[0], "/")
		}
		if name == "" {
			name = shortID(cid)
		}

		if matchesAny(name, c.exclude) {
			continue
		}
		if !c.cfg.MonitorAll && len(c.include) > 0 && !matchesAny(name, c.include) {
			continue
		}

		issue := c.inspectOne(ctx, cid, name, entry.Status, prevRestartCounts, currentCounts)
		if issue != nil {
			issues = append(issues, *issue)
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Name < issues[j].Name })
	return issues, currentCounts
}

func (c *Checker) inspectOne(ctx context.Context, cid, name, status string, prev, current map[string]int) *Issue {
	insp, err := c.api.ContainerInspect(ctx, cid)
	if err != nil {
		return &Issue{
			Name:        name,
			ContainerID: shortID(cid),
			Status:      status,
			Error:       "docker_inspect_failed: " + err.Error(),
		}
	}
	if insp.ContainerJSONBase == nil || insp.State == nil {
		log.Debugf("container %s inspect returned no state", name)
		return nil
	}

	state := insp.State
	running := state.Running
	oom := state.OOMKilled
	exitCode := state.ExitCode

	healthStatus := ""
	if state.Health != nil {
		healthStatus = strings.TrimSpace(state.Health.Status)
	}

	restartCount := insp.RestartCount
	current[cid] = restartCount

	var restartIncrease *int
	if prevCount, seen := prev[cid]; seen {
		if delta := restartCount - prevCount; delta != 0 {
			restartIncrease = &delta
		}
	}

	healthy := healthStatus == "" || healthStatus == "healthy"

	bad := false
	if !running {
		bad = true
	}
	if healthStatus != "" && healthStatus != "healthy" {
		bad = true
	}
	// OOMKilled is sticky on the engine side: it stays true after a
	// past kill even when the container has long recovered. Only treat
	// it as a problem when the container is not currently running
	// healthy.
	if oom && !(running && healthy) {
		bad = true
	}
	if restartIncrease != nil && *restartIncrease > 0 {
		bad = true
	}
	if exitCode != 0 && !running {
		bad = true
	}

	if !bad {
		return nil
	}

	return &Issue{
		Name:            name,
		ContainerID:     shortID(cid),
		Running:         &running,
		Status:          status,
		RestartCount:    &restartCount,
		RestartIncrease: restartIncrease,
		OOMKilled:       &oom,
		HealthStatus:    healthStatus,
		ExitCode:        &exitCode,
	}
}

func shortID(cid string) string {
	if len(cid) > 12 {
		return cid[:12]
	}
	return cid
}

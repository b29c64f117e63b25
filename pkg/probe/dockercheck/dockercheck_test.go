// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package dockercheck

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	containers []types.Container
	inspect    map[string]types.ContainerJSON
	listErr    error
	inspectErr map[string]error
}

func (f *fakeEngine) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	return f.containers, f.listErr
}

func (f *fakeEngine) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	if err, ok := f.inspectErr[id]; ok {
		return types.ContainerJSON{}, err
	}
	return f.inspect[id], nil
}

func containerJSON(id string, running, oom bool, exitCode, restarts int, health string) types.ContainerJSON {
	state := &types.ContainerState{
		Running:   running,
		OOMKilled: oom,
		ExitCode:  exitCode,
	}
	if health != "" {
		state.Health = &types.Health{Status: health}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:           id,
			State:        state,
			RestartCount: restarts,
		},
	}
}

func TestCheckHealthyContainerProducesNoIssue(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "aaaabbbbccccdddd", Names: []string{"/web"}, Status: "Up 3 hours"}},
		inspect:    map[string]types.ContainerJSON{"aaaabbbbccccdddd": containerJSON("aaaabbbbccccdddd", true, false, 0, 2, "healthy")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, counts := c.Check(context.Background(), nil)
	assert.Empty(t, issues)
	assert.Equal(t, map[string]int{"aaaabbbbccccdddd": 2}, counts)
}

func TestCheckStoppedContainer(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "deadbeefdeadbeef", Names: []string{"/worker"}, Status: "Exited (1) 2 minutes ago"}},
		inspect:    map[string]types.ContainerJSON{"deadbeefdeadbeef": containerJSON("deadbeefdeadbeef", false, false, 1, 0, "")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "worker", issues[0].Name)
	assert.Equal(t, "deadbeefdead", issues[0].ContainerID)
	require.NotNil(t, issues[0].Running)
	assert.False(t, *issues[0].Running)
	require.NotNil(t, issues[0].ExitCode)
	assert.Equal(t, 1, *issues[0].ExitCode)
}

func TestCheckUnhealthyStatus(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "c1c1c1c1c1c1c1c1", Names: []string{"/api"}}},
		inspect:    map[string]types.ContainerJSON{"c1c1c1c1c1c1c1c1": containerJSON("c1c1c1c1c1c1c1c1", true, false, 0, 0, "unhealthy")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "unhealthy", issues[0].HealthStatus)
}

func TestCheckStickyOOMIgnoredWhileRunningHealthy(t *testing.T) {
	// The engine keeps OOMKilled=true after a past kill. A container
	// that is back up and passing its healthcheck should not flag.
	eng := &fakeEngine{
		containers: []types.Container{{ID: "oomoomoomoomoom1", Names: []string{"/cache"}}},
		inspect:    map[string]types.ContainerJSON{"oomoomoomoomoom1": containerJSON("oomoomoomoomoom1", true, true, 0, 0, "healthy")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, _ := c.Check(context.Background(), nil)
	assert.Empty(t, issues)

	// Without a healthcheck the flag also clears while running.
	eng.inspect["oomoomoomoomoom1"] = containerJSON("oomoomoomoomoom1", true, true, 0, 0, "")
	issues, _ = c.Check(context.Background(), nil)
	assert.Empty(t, issues)

	// Stopped after an OOM kill is a real problem.
	eng.inspect["oomoomoomoomoom1"] = containerJSON("oomoomoomoomoom1", false, true, 137, 0, "")
	issues, _ = c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	require.NotNil(t, issues[0].OOMKilled)
	assert.True(t, *issues[0].OOMKilled)
}

func TestCheckRestartIncrease(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "f0f0f0f0f0f0f0f0", Names: []string{"/queue"}}},
		inspect:    map[string]types.ContainerJSON{"f0f0f0f0f0f0f0f0": containerJSON("f0f0f0f0f0f0f0f0", true, false, 0, 5, "healthy")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	// First cycle establishes the baseline, no issue.
	issues, counts := c.Check(context.Background(), nil)
	assert.Empty(t, issues)

	// Same count next cycle, still fine.
	issues, counts = c.Check(context.Background(), counts)
	assert.Empty(t, issues)

	// A bump between cycles flags the container.
	eng.inspect["f0f0f0f0f0f0f0f0"] = containerJSON("f0f0f0f0f0f0f0f0", true, false, 0, 7, "healthy")
	issues, _ = c.Check(context.Background(), counts)
	require.Len(t, issues, 1)
	require.NotNil(t, issues[0].RestartIncrease)
	assert.Equal(t, 2, *issues[0].RestartIncrease)
}

func TestCheckIncludeExcludeFilters(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{
			{ID: "1111111111111111", Names: []string{"/app-web"}},
			{ID: "2222222222222222", Names: []string{"/app-db"}},
			{ID: "3333333333333333", Names: []string{"/sidecar"}},
		},
		inspect: map[string]types.ContainerJSON{
			"1111111111111111": containerJSON("1111111111111111", false, false, 1, 0, ""),
			"2222222222222222": containerJSON("2222222222222222", false, false, 1, 0, ""),
			"3333333333333333": containerJSON("3333333333333333", false, false, 1, 0, ""),
		},
	}
	c := NewCheckerWithAPI(eng, Config{
		IncludeNamePatterns: []string{"^app-"},
		ExcludeNamePatterns: []string{"db$"},
	})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "app-web", issues[0].Name)
}

func TestCheckInvalidPatternFallsBackToLiteral(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "4444444444444444", Names: []string{"/job[1]"}}},
		inspect:    map[string]types.ContainerJSON{"4444444444444444": containerJSON("4444444444444444", false, false, 1, 0, "")},
	}
	// "job[1" is not a valid regex; it must still match the name as a
	// plain substring.
	c := NewCheckerWithAPI(eng, Config{IncludeNamePatterns: []string{"job[1"}})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "job[1]", issues[0].Name)
}

func TestCheckListFailure(t *testing.T) {
	eng := &fakeEngine{listErr: errors.New("cannot connect to the docker daemon")}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, counts := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "docker", issues[0].Name)
	assert.Contains(t, issues[0].Error, "docker_list_failed")
	assert.Empty(t, counts)
}

func TestCheckInspectFailure(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{{ID: "5555555555555555", Names: []string{"/flaky"}, Status: "Up"}},
		inspectErr: map[string]error{"5555555555555555": errors.New("no such container")},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 1)
	assert.Equal(t, "flaky", issues[0].Name)
	assert.Contains(t, issues[0].Error, "docker_inspect_failed")
}

func TestCheckIssuesSortedByName(t *testing.T) {
	eng := &fakeEngine{
		containers: []types.Container{
			{ID: "bbbbbbbbbbbbbbbb", Names: []string{"/zeta"}},
			{ID: "aaaaaaaaaaaaaaaa", Names: []string{"/alpha"}},
		},
		inspect: map[string]types.ContainerJSON{
			"bbbbbbbbbbbbbbbb": containerJSON("bbbbbbbbbbbbbbbb", false, false, 1, 0, ""),
			"aaaaaaaaaaaaaaaa": containerJSON("aaaaaaaaaaaaaaaa", false, false, 1, 0, ""),
		},
	}
	c := NewCheckerWithAPI(eng, Config{MonitorAll: true})

	issues, _ := c.Check(context.Background(), nil)
	require.Len(t, issues, 2)
	assert.Equal(t, "alpha", issues[0].Name)
	assert.Equal(t, "zeta", issues[1].Name)
}

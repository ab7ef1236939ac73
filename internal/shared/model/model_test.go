package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineStatus(t *testing.T) {
	for _, s := range []PipelineStatus{PipelineStatusSuccess, PipelineStatusFailed, PipelineStatusCanceled} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []PipelineStatus{PipelineStatusPending, PipelineStatusRunning} {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []PipelineStatus{PipelineStatusSkipped, PipelineStatusCreated, PipelineStatusManual, "weird"} {
		assert.False(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestRunnerNaming(t *testing.T) {
	assert.Equal(t, "demo-runner-base-1001", RunnerVMName("demo", "base", 1001))
	assert.Equal(t, "demo-runner-base-vm", RunnerTag("demo", "base"))
	// 同一输入得到同一名称
	assert.Equal(t, RunnerVMName("a", "b", 7), RunnerVMName("a", "b", 7))
}

func TestVMStatusRunning(t *testing.T) {
	var nilStatus *VMStatus
	assert.False(t, nilStatus.Running())
	assert.True(t, (&VMStatus{Status: "running"}).Running())
	assert.False(t, (&VMStatus{Status: "poweroff"}).Running())
}

package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStage_NameAndIcon(t *testing.T) {
	tests := []struct {
		stage Stage
		name  string
		icon  string
	}{
		{StageCounting, "Counting", "COUNT"},
		{StageEnqueuing, "Enqueuing", "ENQUEUE"},
		{StageDone, "Done", "DONE"},
		{"", "Starting", "START"},
		{"pruning", "Pruning", "PRUNING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.stage.Name())
			assert.Equal(t, tt.icon, tt.stage.Icon())
		})
	}
}

func TestNewConfig_Options(t *testing.T) {
	called := false
	cfg := NewConfig(nil,
		WithForcePlain(true),
		WithNoColor(true),
		WithTitle("reindex"),
		WithOnQuit(func() { called = true }),
	)

	assert.True(t, cfg.ForcePlain)
	assert.True(t, cfg.NoColor)
	assert.Equal(t, "reindex", cfg.Title)
	cfg.OnQuit()
	assert.True(t, called)
}

func TestDetectCI(t *testing.T) {
	t.Setenv("GITHUB_ACTIONS", "true")

	assert.True(t, DetectCI())
}

func TestIsTTY_NonFile(t *testing.T) {
	assert.False(t, IsTTY(nil))
}

package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuedesk/internal/app"
	"issuedesk/internal/config"
)

func useWorkspace(t *testing.T, yml string) string {
	t.Helper()
	ws := t.TempDir()
	if yml != "" {
		require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))
	}
	viper.Reset()
	initConfig()
	viper.Set("workspace", ws)
	t.Cleanup(viper.Reset)
	return ws
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	useWorkspace(t, "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Tracker.Kind)
	assert.Equal(t, "rules", cfg.Dialogue.Classifier)
}

func TestLoadConfigEnvironmentWins(t *testing.T) {
	useWorkspace(t, config.GenerateDefault("KAN"))
	t.Setenv("ISSUEDESK_LOG_LEVEL", "debug")
	t.Setenv("ISSUEDESK_DIALOGUE_STRICT", "true")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Dialogue.Strict)
	require.Len(t, cfg.Tracker.Projects, 1)
	assert.Equal(t, "KAN", cfg.Tracker.Projects[0].Key)
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	useWorkspace(t, "")
	t.Setenv("ISSUEDESK_TRACKER_KIND", "bugzilla")
	_, err := loadConfig()
	require.Error(t, err)
}

func TestChatLoopCreatesIssueAfterApproval(t *testing.T) {
	useWorkspace(t, config.GenerateDefault("KAN"))
	in := strings.NewReader("KAN 프로젝트에 로그인 버그 생성\n\nyes\nexit\n이 줄은 읽히지 않는다\n")
	var out bytes.Buffer
	err := withApp(context.Background(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
		if err := chatLoop(ctx, a.Controller, "repl", in, &out); err != nil {
			return err
		}
		is, err := a.Tracker.GetIssue(ctx, "KAN-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "로그인 버그", is.Summary)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "KAN-1")
	assert.True(t, strings.HasSuffix(out.String(), "> "), "exit stops the loop without a reply")
}

func TestChatLoopStopsAtEOF(t *testing.T) {
	useWorkspace(t, "")
	var out bytes.Buffer
	err := withApp(context.Background(), app.SessionsMemory, func(ctx context.Context, a *app.App) error {
		return chatLoop(ctx, a.Controller, "eof", strings.NewReader(""), &out)
	})
	require.NoError(t, err)
	assert.Equal(t, "> \n", out.String())
}

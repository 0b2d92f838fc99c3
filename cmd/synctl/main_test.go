package main

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Options {
	t.Helper()
	opts := &Options{}
	opts.Init(firstCommand(args))
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err := parser.ParseArgs(args)
	require.NoError(t, err)
	return opts
}

func TestSyncFlags(t *testing.T) {
	opts := parse(t, "-f", "sync.yaml", "sync", "--athlete", "7", "--mode", "full")
	require.NotNil(t, opts.Sync)
	assert.Equal(t, int64(7), opts.Sync.AthleteID)
	assert.Equal(t, "full", opts.Sync.Mode)
	assert.Equal(t, 30*time.Minute, opts.Sync.Timeout)
	assert.Equal(t, "sync.yaml", opts.Config)
	assert.Nil(t, opts.State)
}

func TestTokenDefaults(t *testing.T) {
	opts := parse(t, "token", "-s", "ops", "-a", "9")
	require.NotNil(t, opts.Token)
	assert.Equal(t, []string{"sync:read", "sync:write"}, opts.Token.Scopes)
	assert.Equal(t, 24*time.Hour, opts.Token.TTL)
}

func TestConfigPathAndFirstCommand(t *testing.T) {
	assert.Equal(t, "a.yaml", configPath([]string{"--config=a.yaml", "state"}))
	assert.Equal(t, "b.yaml", configPath([]string{"-f", "b.yaml", "state"}))
	assert.Empty(t, configPath([]string{"state"}))

	assert.Equal(t, "loads", firstCommand([]string{"-f", "x.yaml", "loads", "--athlete", "1"}))
	assert.Empty(t, firstCommand([]string{"--config", "x.yaml"}))
}

func TestSyncRejectsUnknownMode(t *testing.T) {
	opts := &Options{}
	opts.Init("sync")
	parser := flags.NewParser(opts, flags.HelpFlag)
	parser.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err := parser.ParseArgs([]string{"sync", "--athlete", "7", "--mode", "sideways"})
	require.Error(t, err)
}

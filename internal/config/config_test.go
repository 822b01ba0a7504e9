package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	t.Run("coordinator", func(t *testing.T) {
		cfg := DefaultCoordinator()
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 700*time.Millisecond, cfg.PingInterval)
		assert.Equal(t, "127.0.0.1:5100", cfg.ListenAddress())
		assert.Equal(t, "logs/ecs.log", cfg.Log.File)
	})

	t.Run("node", func(t *testing.T) {
		cfg := DefaultNode()
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 34, cfg.OffloadThreshold)
		assert.Equal(t, 3, cfg.Buckets)
		assert.Equal(t, "127.0.0.1:5000", cfg.ClientAddress())
		assert.Equal(t, "data/127.0.0.1_5000.db", cfg.DataPath())
		assert.Equal(t, "", string(cfg.CustomHash()))
	})

	t.Run("client", func(t *testing.T) {
		assert.NoError(t, DefaultClient().Validate())
	})
}

func TestCoordinatorValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Coordinator)
		wantErr bool
	}{
		{name: "valid config", modify: func(*Coordinator) {}},
		{name: "invalid port (negative)", modify: func(c *Coordinator) { c.Port = -1 }, wantErr: true},
		{name: "invalid port (too large)", modify: func(c *Coordinator) { c.Port = 70000 }, wantErr: true},
		{name: "http disabled", modify: func(c *Coordinator) { c.HTTPPort = 0 }},
		{name: "invalid http port", modify: func(c *Coordinator) { c.HTTPPort = 70000 }, wantErr: true},
		{name: "zero ping interval", modify: func(c *Coordinator) { c.PingInterval = 0 }, wantErr: true},
		{name: "zero ping failures", modify: func(c *Coordinator) { c.PingFailures = 0 }, wantErr: true},
		{name: "zero handoff timeout", modify: func(c *Coordinator) { c.HandoffTimeout = 0 }, wantErr: true},
		{name: "bad log level", modify: func(c *Coordinator) { c.Log.Level = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCoordinator()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNodeValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Node)
		wantErr bool
	}{
		{name: "valid config", modify: func(*Node) {}},
		{name: "invalid port", modify: func(n *Node) { n.Port = 0 }, wantErr: true},
		{name: "bootstrap", modify: func(n *Node) { n.Bootstrap = "127.0.0.1:5100" }},
		{name: "bootstrap without port", modify: func(n *Node) { n.Bootstrap = "127.0.0.1" }, wantErr: true},
		{name: "custom end hash", modify: func(n *Node) { n.EndHash = "8000000000000000000000000000000a" }},
		{name: "short end hash", modify: func(n *Node) { n.EndHash = "80" }, wantErr: true},
		{name: "in memory without data dir", modify: func(n *Node) { n.DataDir = ""; n.InMemory = true }},
		{name: "no data dir", modify: func(n *Node) { n.DataDir = "" }, wantErr: true},
		{name: "no buckets", modify: func(n *Node) { n.Buckets = 0 }, wantErr: true},
		{name: "threshold above 50", modify: func(n *Node) { n.OffloadThreshold = 51 }, wantErr: true},
		{name: "threshold zero", modify: func(n *Node) { n.OffloadThreshold = 0 }},
		{name: "negative peer timeout", modify: func(n *Node) { n.PeerTimeout = -time.Second }, wantErr: true},
		{name: "zero chunk size", modify: func(n *Node) { n.ChunkSize = 0 }, wantErr: true},
		{name: "unknown cache", modify: func(n *Node) { n.CacheStrategy = "fifo" }, wantErr: true},
		{name: "zero usage window", modify: func(n *Node) { n.UsageWindow = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNode()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("custom hash normalized", func(t *testing.T) {
		cfg := DefaultNode()
		cfg.EndHash = "8000000000000000000000000000000a"
		assert.Equal(t, "8000000000000000000000000000000A", string(cfg.CustomHash()))
	})
}

func TestClientValidation(t *testing.T) {
	cfg := DefaultClient()
	cfg.Server = "nope"
	assert.Error(t, cfg.Validate())

	cfg = DefaultClient()
	cfg.MaxBackoff = time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestLogConfig(t *testing.T) {
	l := Log{Level: "debug", Format: "json", File: "/tmp/x.log", Async: true}
	cfg := l.LoggerConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.File.Enable)
	assert.Equal(t, "/tmp/x.log", cfg.File.Path)
	assert.True(t, cfg.AsyncWrite)

	assert.False(t, DefaultLog().LoggerConfig().File.Enable)
	assert.Error(t, Log{Level: "info", Format: "xml"}.Validate())
}

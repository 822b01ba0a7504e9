package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Console.Enable = false
	return cfg
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func() *Config { return nil },
		},
		{
			name: "json stderr",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Format = "json"
				cfg.Console.Output = "stderr"
				return cfg
			},
		},
		{
			name: "no outputs",
			cfg:  quietConfig,
		},
		{
			name: "invalid level",
			cfg: func() *Config {
				cfg := quietConfig()
				cfg.Level = "loud"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func() *Config {
				cfg := quietConfig()
				cfg.File.Enable = true
				cfg.File.Path = ""
				return cfg
			},
			wantErr: true,
		},
		{
			name: "sampling and async",
			cfg: func() *Config {
				cfg := quietConfig()
				cfg.Sampling.Enable = true
				cfg.AsyncWrite = true
				return cfg
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.log")

	cfg := quietConfig()
	cfg.Format = "json"
	cfg.File.Enable = true
	cfg.File.Path = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("node", "127.0.0.1:5000").Msg("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"node":"127.0.0.1:5000"`)
}

func TestWithFields(t *testing.T) {
	logger, err := New(quietConfig())
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "coordinator"})
	grandChild := child.WithFields(Fields{"node": "10.0.0.1:80"})

	t.Run("child carries fields", func(t *testing.T) {
		assert.Equal(t, Fields{"component": "coordinator"}, child.Fields())
	})

	t.Run("fields accumulate", func(t *testing.T) {
		assert.Equal(t, Fields{"component": "coordinator", "node": "10.0.0.1:80"}, grandChild.Fields())
	})

	t.Run("parent untouched", func(t *testing.T) {
		assert.Empty(t, logger.Fields())
	})
}

func TestWithError(t *testing.T) {
	logger := NewNop()

	assert.Same(t, logger, logger.WithError(nil))

	withErr := logger.WithError(errors.New("boom"))
	assert.Equal(t, "boom", withErr.Fields()["error"])
	assert.Equal(t, "*errors.errorString", withErr.Fields()["error_type"])
}

func TestUpdateLevel(t *testing.T) {
	logger, err := New(quietConfig())
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, "debug", logger.GetLevel().String())

	assert.Error(t, logger.UpdateLevel("nope"))
}

func TestLoggerConcurrent(t *testing.T) {
	logger, err := New(quietConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithFields(Fields{"worker": i}).Info().Msg("concurrent")
		}(i)
	}
	wg.Wait()
}

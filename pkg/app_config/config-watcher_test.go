package app_config

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type TestConfig struct {
	Thing string `json:"thing"`
	Other string `json:"other"`
}

func generateRandomString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return ""
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

func newTestWatcher(t *testing.T, path string) *ConfigWatcher[TestConfig] {
	watcher, err := NewConfigWatcher[TestConfig](path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })
	return watcher
}

func writeConfig(t *testing.T, path string, config TestConfig) {
	bytes, err := json.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes, 0600))
}

func TestCreateGenericWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test1.json")
	newTestWatcher(t, path)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestCreateWatcherInMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "test.json")

	_, err := NewConfigWatcher[TestConfig](path, nil)
	assert.Error(t, err)
}

func TestWatcherReturnTypeHasUpdatedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test2.json")
	writeConfig(t, path, TestConfig{
		Thing: generateRandomString(10),
		Other: generateRandomString(10),
	})

	watcher := newTestWatcher(t, path)

	configChan := make(chan TestConfig, 16)
	configUnsub := watcher.Subscribe(configChan)
	defer configUnsub()

	config2 := TestConfig{
		Thing: generateRandomString(10),
		Other: generateRandomString(10),
	}
	writeConfig(t, path, config2)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-configChan:
			if c == config2 {
				return
			}
		case <-timeout:
			t.Fatalf("did not observe updated config %v", config2)
		}
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test3.json")
	watcher := newTestWatcher(t, path)

	first := make(chan TestConfig, 16)
	second := make(chan TestConfig, 16)
	unsubFirst := watcher.Subscribe(first)
	defer watcher.Subscribe(second)()

	unsubFirst()

	config := TestConfig{Thing: generateRandomString(10)}
	writeConfig(t, path, config)

	select {
	case c := <-second:
		assert.Equal(t, config, c)
	case <-time.After(5 * time.Second):
		t.Fatalf("no config delivered")
	}
	assert.Empty(t, first)
}

func TestReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test4.json")
	watcher := newTestWatcher(t, path)

	_, err := watcher.ReadConfig()
	assert.Error(t, err)

	config := TestConfig{Thing: "a", Other: "b"}
	writeConfig(t, path, config)

	read, err := watcher.ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, config, read)

	require.NoError(t, watcher.Close())
	require.NoError(t, watcher.Close())
}

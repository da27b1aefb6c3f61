package app_config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigWatcher decodes a JSON file every time it is written and
// broadcasts the result to its subscribers.
type ConfigWatcher[T any] struct {
	configPath string
	logger     *zap.Logger
	watch      *fsnotify.Watcher
	closeCh    chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	lock     sync.Mutex
	watchers map[uuid.UUID]chan<- T
}

func NewConfigWatcher[T any](path string, logger *zap.Logger) (*ConfigWatcher[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !checkExists(path) {
		file, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create config file")
		}
		_ = file.Close()
	}

	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	err = watch.Add(path)
	if err != nil {
		_ = watch.Close()
		return nil, errors.Wrap(err, "failed to watch config file")
	}

	c := &ConfigWatcher[T]{
		configPath: path,
		logger:     logger,
		watch:      watch,
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		watchers:   map[uuid.UUID]chan<- T{},
	}
	go c.watchThread()

	return c, nil
}

// ReadConfig decodes the current file contents.
func (c *ConfigWatcher[T]) ReadConfig() (T, error) {
	var config T

	bytes, err := os.ReadFile(c.configPath)
	if err != nil {
		return config, errors.Wrap(err, "failed to read config file")
	}

	err = json.Unmarshal(bytes, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to parse config file")
	}

	return config, nil
}

func (c *ConfigWatcher[T]) watchThread() {
	defer close(c.doneCh)

	for {
		select {
		case event, ok := <-c.watch.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) {
				continue
			}

			// partially written files fail to parse, the next write event
			// delivers the complete contents
			config, err := c.ReadConfig()
			if err != nil {
				c.logger.Debug("ignoring unreadable config file", zap.Error(err))
				continue
			}
			c.broadcastConfig(config)
		case err, ok := <-c.watch.Errors:
			if !ok {
				return
			}
			c.logger.Warn("config file watcher failed", zap.Error(err))
		case <-c.closeCh:
			return
		}
	}
}

func (c *ConfigWatcher[T]) broadcastConfig(config T) {
	c.lock.Lock()
	watchers := make([]chan<- T, 0, len(c.watchers))
	for _, ch := range c.watchers {
		watchers = append(watchers, ch)
	}
	c.lock.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- config:
		case <-c.closeCh:
			return
		}
	}
}

func checkExists(file string) bool {
	if _, err := os.Stat(file); err != nil {
		return false
	}
	return true
}

// Subscribe delivers every subsequent config to ch until the returned
// function is called.
func (c *ConfigWatcher[T]) Subscribe(ch chan<- T) func() {
	id := uuid.New()

	c.lock.Lock()
	c.watchers[id] = ch
	c.lock.Unlock()

	return func() {
		c.lock.Lock()
		delete(c.watchers, id)
		c.lock.Unlock()
	}
}

func (c *ConfigWatcher[T]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.watch.Close()
		<-c.doneCh
	})
	return err
}

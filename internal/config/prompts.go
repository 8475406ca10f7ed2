package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	DefaultVerifyPrompt = "这两张图分别为身份证与手写签名。请先准确识别并输出两图的文本内容，尤其是身份证上的姓名原文和手写签名的逐字转写；不要编造。" +
		"如签名过于模糊或潦草无法辨认请明确说明。依据规则：若签名可读内容与身份证姓名的相似度低于80%则判为不一致；若无法判断也视为不一致。"

	DefaultClassifyPrompt = "对图片进行分类，类型有\"身份证正面\"，\"身份证反面\"，\"出生医学证明\"，\"常驻人口登记卡\"，\"居民户口簿信息\"，" +
		"如果不是以上类型，请返回\"未分类\"，仅返回上述分类结果"
)

// Prompts are the default prompts used when a request does not send one.
type Prompts struct {
	Verify   string `yaml:"verify"`
	Classify string `yaml:"classify"`
}

func DefaultPrompts() Prompts {
	return Prompts{Verify: DefaultVerifyPrompt, Classify: DefaultClassifyPrompt}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default}.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		return sub[2]
	})
}

// LoadPromptsFile reads path over the defaults. Keys missing from the file
// keep their default value.
func LoadPromptsFile(path string) (Prompts, error) {
	p := DefaultPrompts()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts file %s: %w", path, err)
	}

	var file Prompts
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return p, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if file.Verify != "" {
		p.Verify = file.Verify
	}
	if file.Classify != "" {
		p.Classify = file.Classify
	}
	return p, nil
}

// PromptStore serves the current prompts and reloads them when the backing
// file changes. A store without a file serves the defaults.
type PromptStore struct {
	path     string
	mu       sync.RWMutex
	prompts  Prompts
	watchers []func(Prompts)
	failures []func(error)
	logger   *slog.Logger
}

func NewPromptStore(path string, logger *slog.Logger) (*PromptStore, error) {
	s := &PromptStore{path: path, prompts: DefaultPrompts(), logger: logger}
	if path == "" {
		return s, nil
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PromptStore) Load() error {
	p, err := LoadPromptsFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prompts = p
	s.mu.Unlock()

	s.logger.Info("prompts loaded", "file", s.path)
	return nil
}

func (s *PromptStore) Get() Prompts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompts
}

// OnReload registers a callback that fires after a successful reload. It must
// be called before Watch.
func (s *PromptStore) OnReload(fn func(Prompts)) {
	s.watchers = append(s.watchers, fn)
}

// OnReloadError registers a callback that fires when a reload fails. The
// previous prompts stay in effect. It must be called before Watch.
func (s *PromptStore) OnReloadError(fn func(error)) {
	s.failures = append(s.failures, fn)
}

func (s *PromptStore) reload() {
	if err := s.Load(); err != nil {
		s.logger.Error("failed to reload prompts", "error", err)
		for _, fn := range s.failures {
			fn(err)
		}
		return
	}
	current := s.Get()
	for _, fn := range s.watchers {
		fn(current)
	}
}

// Watch reloads the prompts on every write to the file until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (s *PromptStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch prompts dir %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					s.logger.Info("prompts file changed, reloading", "file", event.Name)
					s.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}

// Package envfile loads variables from a dotenv file and keeps them current
// while the file changes.
package envfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Env resolves variable names against the env file first and the process
// environment second. A zero Env, or one without a file, only consults the
// process environment.
type Env struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	vars map[string]string
}

type Option func(*Env)

func WithLogger(log *slog.Logger) Option {
	return func(e *Env) { e.log = log }
}

// Load reads the file at path. An empty path yields an Env backed by the
// process environment only.
func Load(path string, opts ...Option) (*Env, error) {
	e := &Env{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if path == "" {
		return e, nil
	}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply exports the file's variables into the process environment without
// overriding variables that are already set.
func (e *Env) Apply() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for k, v := range e.vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) reload() error {
	vars, err := godotenv.Read(e.path)
	if err != nil {
		return fmt.Errorf("read env file %s: %w", e.path, err)
	}
	e.mu.Lock()
	e.vars = vars
	e.mu.Unlock()
	return nil
}

func (e *Env) Lookup(name string) (string, bool) {
	if e != nil {
		e.mu.RLock()
		v, ok := e.vars[name]
		e.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return os.LookupEnv(name)
}

// Watch reloads the file whenever it is written or replaced, until ctx
// ends. Reload failures are logged and the previous variables are kept.
func (e *Env) Watch(ctx context.Context) error {
	if e.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch env file: %w", err)
	}
	// Editors often replace files instead of writing them, so watch the
	// directory and filter by name.
	if err := w.Add(filepath.Dir(e.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch env file: %w", err)
	}
	target := filepath.Clean(e.path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := e.reload(); err != nil {
					e.log.WarnContext(ctx, "envfile.reload.fail", slog.String("path", e.path), slog.String("err", err.Error()))
					continue
				}
				e.log.InfoContext(ctx, "envfile.reload", slog.String("path", e.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.log.WarnContext(ctx, "envfile.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

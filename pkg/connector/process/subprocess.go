package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// Subprocess runs a connector as a local executable.
type Subprocess struct {
	Path string
	Args []string
	Dir  string

	log *zap.Logger
	run *runner

	initOnce sync.Once
	resolved string
	initErr  error
}

// NewSubprocess returns a Subprocess that runs path with args.
func NewSubprocess(path string, args ...string) *Subprocess {
	log := logger.With(zap.String("component", "process"), zap.String("connector", path))
	return &Subprocess{
		Path: path,
		Args: args,
		log:  log,
		run:  newRunner(path, log),
	}
}

func (s *Subprocess) Name() string { return s.Path }

func (s *Subprocess) HostAlias() string { return HostLocal }

// Init locates the executable on PATH.
func (s *Subprocess) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		path, err := exec.LookPath(s.Path)
		if err != nil {
			s.initErr = errors.Wrap(err, errors.ErrorTypeConfig, "connector executable not found").
				WithDetail("path", s.Path)
			return
		}
		s.resolved = path
		s.log.Debug("resolved connector executable", zap.String("resolved", path))
	})
	return s.initErr
}

func (s *Subprocess) Start(ctx context.Context, env map[string]string) (io.WriteCloser, io.ReadCloser, error) {
	if err := s.Init(ctx); err != nil {
		return nil, nil, err
	}
	// The process outlives the context of the call that started it, so it is
	// not bound to ctx.
	cmd := exec.Command(s.resolved, s.Args...) //nolint:gosec // connector path comes from the project file
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), envList(env)...)
	return s.run.start(cmd)
}

func (s *Subprocess) Running() bool { return s.run.running() }

func (s *Subprocess) Stop(ctx context.Context) error { return s.run.stop(ctx) }

func (s *Subprocess) Close(ctx context.Context) error { return s.Stop(ctx) }

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

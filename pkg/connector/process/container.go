package process

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// DefaultRuntime is the container CLI used when none is configured.
const DefaultRuntime = "docker"

// Container runs a connector image through a container runtime CLI. Every
// Start creates a fresh container attached to the runtime's stdio.
type Container struct {
	Image   string
	Runtime string
	Args    []string
	// Pull forces a pull even when the image is present locally.
	Pull bool

	log *zap.Logger
	run *runner

	initOnce sync.Once
	initErr  error

	mu   sync.Mutex
	name string
}

// NewContainer returns a Container for image using the docker CLI.
func NewContainer(image string, args ...string) *Container {
	log := logger.With(zap.String("component", "process"), zap.String("connector", image))
	return &Container{
		Image:   image,
		Runtime: DefaultRuntime,
		Args:    args,
		log:     log,
		run:     newRunner(image, log),
	}
}

func (c *Container) Name() string { return c.Image }

func (c *Container) HostAlias() string { return HostContainer }

// Init makes sure the image is available locally, pulling it when needed.
func (c *Container) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		if _, err := exec.LookPath(c.Runtime); err != nil {
			c.initErr = errors.Wrap(err, errors.ErrorTypeConfig, "container runtime not found").
				WithDetail("runtime", c.Runtime)
			return
		}
		if !c.Pull {
			inspect := exec.CommandContext(ctx, c.Runtime, "image", "inspect", "--format", "{{.Id}}", c.Image) //nolint:gosec
			if out, err := inspect.Output(); err == nil {
				c.log.Debug("image present locally", zap.String("id", strings.TrimSpace(string(out))))
				return
			}
		}
		c.log.Info("pulling connector image")
		pull := exec.CommandContext(ctx, c.Runtime, "pull", c.Image) //nolint:gosec
		if out, err := pull.CombinedOutput(); err != nil {
			c.initErr = errors.Wrap(err, errors.ErrorTypeConnection, "failed to pull connector image").
				WithDetail("image", c.Image).
				WithDetail("output", strings.TrimSpace(string(out)))
		}
	})
	return c.initErr
}

func (c *Container) Start(ctx context.Context, env map[string]string) (io.WriteCloser, io.ReadCloser, error) {
	if err := c.Init(ctx); err != nil {
		return nil, nil, err
	}

	name := "syncmaven-" + uuid.NewString()
	args := []string{"run", "-i", "--rm", "--name", name, "--add-host", HostContainer + ":host-gateway"}
	for _, kv := range envList(env) {
		args = append(args, "-e", kv)
	}
	args = append(args, c.Image)
	args = append(args, c.Args...)

	stdin, stdout, err := c.run.start(exec.Command(c.Runtime, args...)) //nolint:gosec
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
	return stdin, stdout, nil
}

func (c *Container) Running() bool { return c.run.running() }

func (c *Container) Stop(ctx context.Context) error { return c.run.stop(ctx) }

// Close stops the container and force-removes it in case the runtime did not
// clean it up.
func (c *Container) Close(ctx context.Context) error {
	err := c.Stop(ctx)

	c.mu.Lock()
	name := c.name
	c.name = ""
	c.mu.Unlock()

	if name != "" {
		rm := exec.CommandContext(ctx, c.Runtime, "rm", "-f", name) //nolint:gosec
		if out, rmErr := rm.CombinedOutput(); rmErr != nil {
			c.log.Debug("container removal failed",
				zap.String("container", name),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(rmErr))
		}
	}
	return err
}

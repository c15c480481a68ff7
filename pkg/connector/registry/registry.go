// Package registry resolves connector package references to runnable
// processes.
//
// A reference has one of these forms:
//
//	docker:<image> [args]   run the image under the container runtime
//	exec:<path> [args]      run a local executable
//	builtin:<name>          run a connector registered in this binary
//	<name>                  shorthand for docker:syncmaven/<name>
package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// DefaultImagePrefix is prepended to bare connector names.
const DefaultImagePrefix = "syncmaven/"

// Registry manages builtin connectors and resolves package references
type Registry struct {
	builtins map[string]process.Func
	runtime  string
	pull     bool
	mu       sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]process.Func),
		runtime:  process.DefaultRuntime,
	}
}

// SetContainerRuntime selects the CLI used for docker: references, e.g.
// docker or podman. pull forces an image pull on first use.
func (r *Registry) SetContainerRuntime(runtime string, pull bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime != "" {
		r.runtime = runtime
	}
	r.pull = pull
}

// RegisterBuiltin registers an in-process connector under name
func (r *Registry) RegisterBuiltin(name string, fn process.Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "builtin connector %s already registered", name)
	}

	r.builtins[name] = fn
	logger.Debug("builtin connector registered",
		zap.String("component", "connector_registry"),
		zap.String("name", name))
	return nil
}

// Resolve returns a fresh process for ref.
func (r *Registry) Resolve(ref string) (process.Process, error) {
	kind, target, args, err := Parse(ref)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindExec:
		return process.NewSubprocess(target, args...), nil
	case KindBuiltin:
		r.mu.RLock()
		fn, exists := r.builtins[target]
		r.mu.RUnlock()
		if !exists {
			return nil, errors.Newf(errors.ErrorTypeConfig, "builtin connector %s not found", target).
				WithDetail("available", r.ListBuiltins())
		}
		return process.NewInProcess(target, fn), nil
	default:
		c := process.NewContainer(target, args...)
		r.mu.RLock()
		c.Runtime, c.Pull = r.runtime, r.pull
		r.mu.RUnlock()
		return c, nil
	}
}

// ListBuiltins returns the names of registered builtin connectors
func (r *Registry) ListBuiltins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind is the runner a reference selects.
type Kind string

const (
	KindDocker  Kind = "docker"
	KindExec    Kind = "exec"
	KindBuiltin Kind = "builtin"
)

// Parse splits a package reference into its kind, target and arguments.
func Parse(ref string) (Kind, string, []string, error) {
	fields := strings.Fields(ref)
	if len(fields) == 0 {
		return "", "", nil, errors.New(errors.ErrorTypeConfig, "connector package reference is empty")
	}
	head, args := fields[0], fields[1:]

	kind, target := KindDocker, head
	if i := strings.Index(head, ":"); i > 0 {
		switch prefix := head[:i]; Kind(prefix) {
		case KindDocker, KindExec, KindBuiltin:
			kind, target = Kind(prefix), head[i+1:]
		}
	}
	if target == "" {
		return "", "", nil, errors.Newf(errors.ErrorTypeConfig, "connector package reference %q has no target", ref)
	}
	if kind == KindBuiltin && len(args) > 0 {
		return "", "", nil, errors.Newf(errors.ErrorTypeConfig, "builtin connector %q takes no arguments", target)
	}
	// A bare name without a registry path or tag is a syncmaven image.
	if kind == KindDocker && target == head && !strings.Contains(target, "/") {
		target = DefaultImagePrefix + target
	}
	return kind, target, args, nil
}

// SetContainerRuntime configures the global registry
func SetContainerRuntime(runtime string, pull bool) {
	globalRegistry.SetContainerRuntime(runtime, pull)
}

// RegisterBuiltin registers a builtin connector in the global registry
func RegisterBuiltin(name string, fn process.Func) error {
	return globalRegistry.RegisterBuiltin(name, fn)
}

// Resolve resolves ref with the global registry
func Resolve(ref string) (process.Process, error) {
	return globalRegistry.Resolve(ref)
}

// ListBuiltins lists builtin connectors of the global registry
func ListBuiltins() []string {
	return globalRegistry.ListBuiltins()
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}

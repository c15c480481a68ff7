package process

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// Func is a connector implemented as a Go function. It reads messages from in
// and writes replies to out, and returns when in reaches EOF or ctx is done.
type Func func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error

// InProcess serves a Func on a goroutine behind in-memory pipes. It behaves
// like a subprocess without leaving the host process.
type InProcess struct {
	name  string
	fn    Func
	log   *zap.Logger
	grace time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	inR    *io.PipeReader
	inW    *io.PipeWriter
	done   chan struct{}
}

// NewInProcess returns a Process that runs fn.
func NewInProcess(name string, fn Func) *InProcess {
	return &InProcess{
		name:  name,
		fn:    fn,
		log:   logger.With(zap.String("component", "process"), zap.String("connector", name)),
		grace: DefaultStopGrace,
	}
}

func (p *InProcess) Name() string { return p.name }

func (p *InProcess) HostAlias() string { return HostLocal }

func (p *InProcess) Init(context.Context) error { return nil }

func (p *InProcess) Start(_ context.Context, env map[string]string) (io.WriteCloser, io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil && !closed(p.done) {
		return nil, nil, errors.Newf(errors.ErrorTypeInternal, "connector %s is already running", p.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := p.fn(ctx, env, inR, outW)
		if err != nil {
			p.log.Debug("connector function returned", zap.Error(err))
		}
		outW.CloseWithError(err)
		inR.Close()
	}()

	p.cancel = cancel
	p.inR = inR
	p.inW = inW
	p.done = done
	return inW, outR, nil
}

func (p *InProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil && !closed(p.done)
}

func (p *InProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, inR, inW, done := p.cancel, p.inR, p.inW, p.done
	p.mu.Unlock()

	if done == nil || closed(done) {
		return nil
	}

	inW.Close()
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
		cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cancel()
	inR.CloseWithError(io.ErrClosedPipe)
	<-done
	return nil
}

func (p *InProcess) Close(ctx context.Context) error { return p.Stop(ctx) }

package session

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/worker"
)

// Inproc runs the worker on goroutines of this process, connected through
// an in-memory pipe.
type Inproc struct {
	Registry *worker.Registry
	Realm    realm.Config
}

func (t Inproc) Dial(ctx context.Context) (worker.Conn, error) {
	if t.Registry == nil {
		return nil, errors.InvalidInput(errors.PhaseSession, "inproc transport without registry")
	}
	client, server := worker.Pipe()
	w := worker.New(t.Registry, t.Realm)
	go func() {
		if err := w.Serve(context.Background(), server); err != nil {
			Logger().Debug("inproc worker stopped", zap.Error(err))
		}
	}()
	return client, nil
}

// Process runs the worker as a child process speaking JSON lines on its
// stdin and stdout. Stderr is forwarded to the session logger.
type Process struct {
	Path string
	Args []string
	Env  []string
	// Grace is how long Close waits for the child to exit before killing it.
	Grace time.Duration
}

func (t Process) Dial(ctx context.Context) (worker.Conn, error) {
	cmd := exec.Command(t.Path, t.Args...)
	if t.Env != nil {
		cmd.Env = t.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.PhaseSession, errors.KindDisconnected, err, "start worker process")
	}

	log := Logger().With(zap.String("worker", t.Path), zap.Int("pid", cmd.Process.Pid))
	go forward(stderr, log)

	grace := t.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &processCloser{cmd: cmd, stdin: stdin, grace: grace, log: log}
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Close()
		case <-p.exited():
		}
	}()
	return worker.StreamConn(stdout, stdin, p), nil
}

func forward(r io.Reader, log *zap.Logger) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		log.Info(s.Text())
	}
}

type processCloser struct {
	cmd   *exec.Cmd
	stdin io.Closer
	grace time.Duration
	log   *zap.Logger
	once  sync.Once
	wait  chan struct{}
	init  sync.Once
	err   error
}

func (p *processCloser) exited() <-chan struct{} {
	p.init.Do(func() {
		p.wait = make(chan struct{})
		go func() {
			p.err = p.cmd.Wait()
			close(p.wait)
		}()
	})
	return p.wait
}

// Close ends the child's input and waits for it to exit, killing it after
// the grace period.
func (p *processCloser) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.exited():
		case <-time.After(p.grace):
			p.log.Warn("worker did not exit, killing")
			_ = p.cmd.Process.Kill()
			<-p.exited()
		}
	})
	<-p.exited()
	return nil
}

// Websocket dials a worker served over websockets.
type Websocket struct {
	URL    string
	Dialer *websocket.Dialer
}

func (t Websocket) Dial(ctx context.Context) (worker.Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, resp, err := d.DialContext(ctx, t.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return worker.WebsocketConn(c), nil
}

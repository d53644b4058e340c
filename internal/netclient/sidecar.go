package netclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// SidecarConfig describes the helper executable that speaks the
// messaging network's protocol on the bot's behalf.
type SidecarConfig struct {
	Command      string
	Args         []string
	Env          []string // extra KEY=VALUE pairs on top of the bot's environment
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Sidecar is a Client backed by a helper process. The two sides exchange
// one JSON object per line: the helper writes events to stdout, the bot
// writes commands to its stdin.
//
//	helper -> bot: started | qr{data} | authenticated | ready |
//	               auth_failure{reason} | disconnected{reason} |
//	               message{id,from,body,timestamp} | ack{seq,error}
//	bot -> helper: reply{seq,id,to,text} | destroy
type Sidecar struct {
	cfg SidecarConfig
	log *zap.SugaredLogger

	events chan Event
	done   chan struct{} // closed once Destroy starts

	mu      sync.Mutex
	proc    *sidecarProc
	seq     uint64
	pending map[uint64]chan error

	destroyOnce sync.Once
	destroyErr  error
}

type sidecarProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	started   chan struct{}
	startOnce sync.Once
	exited    chan struct{}
	exitErr   error // valid once exited is closed
}

type wireEvent struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wireCommand struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
	ID   string `json:"id,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
}

const maxLineSize = 1 << 20

func NewSidecar(cfg SidecarConfig, log *zap.SugaredLogger) *Sidecar {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Sidecar{
		cfg:     cfg,
		log:     log,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan error),
	}
}

func (s *Sidecar) Events() <-chan Event {
	return s.events
}

// Initialize starts the helper and waits until it reports "started".
// A helper that exits or stays silent past StartTimeout is reaped and
// the attempt fails.
func (s *Sidecar) Initialize(ctx context.Context) error {
	if s.cfg.Command == "" {
		return errors.New("client.command is not configured")
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrNotRunning
	default:
	}
	if s.proc != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "bridge stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "bridge stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "bridge stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting bridge %s", s.cfg.Command)
	}

	p := &sidecarProc{
		cmd:     cmd,
		stdin:   stdin,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	// Wait may only run once both pipes are drained.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readEvents(p, stdout)
	}()
	go func() {
		defer readers.Done()
		s.logStderr(stderr)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		s.detach(p)
		close(p.exited)
		s.onExit(p)
	}()

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-p.started:
		s.log.Infow("bridge started", "pid", cmd.Process.Pid, "command", s.cfg.Command)
		return nil
	case <-p.exited:
		select {
		case <-p.started:
			// Started and exited straight away; onExit reports the drop.
			return nil
		default:
		}
		return errors.Errorf("bridge exited before start: %v", p.exitErr)
	case <-timer.C:
		s.abort(p)
		return errors.Errorf("bridge did not start within %s", s.cfg.StartTimeout)
	case <-ctx.Done():
		s.abort(p)
		return ctx.Err()
	}
}

// Reply sends a reply command and waits for the helper's ack.
func (s *Sidecar) Reply(ctx context.Context, msg Message, text string) error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.seq++
	seq := s.seq
	ack := make(chan error, 1)
	s.pending[seq] = ack
	s.mu.Unlock()

	cmd := wireCommand{Type: "reply", Seq: seq, ID: msg.ID, To: msg.From, Text: text}
	if err := p.writeLine(cmd); err != nil {
		s.dropPending(seq)
		return errors.Wrap(err, "writing reply")
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		s.dropPending(seq)
		return ctx.Err()
	}
}

// Destroy asks the helper to release its session and exit. If it is
// still running after StopTimeout (or ctx ends first) the whole process
// tree is killed. Only the first call does any work.
func (s *Sidecar) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		s.destroyErr = s.destroy(ctx)
	})
	return s.destroyErr
}

func (s *Sidecar) destroy(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	if err := p.writeLine(wireCommand{Type: "destroy"}); err != nil {
		s.log.Warnw("bridge destroy command failed", "error", err)
	}
	_ = p.stdin.Close()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		s.log.Warnw("bridge ignored destroy, killing", "timeout", s.cfg.StopTimeout)
	case <-ctx.Done():
		s.log.Warnw("shutdown deadline reached, killing bridge")
	}

	if err := terminateTree(p.cmd.Process.Pid); err != nil {
		return errors.Wrap(err, "killing bridge")
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("bridge still running after kill")
	}
}

// abort kills a helper that failed to start and waits for it to be reaped.
func (s *Sidecar) abort(p *sidecarProc) {
	if err := terminateTree(p.cmd.Process.Pid); err != nil {
		s.log.Warnw("killing bridge", "error", err)
	}
	<-p.exited
}

// detach forgets an exited helper and fails its outstanding replies.
func (s *Sidecar) detach(p *sidecarProc) {
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	pending := s.pending
	s.pending = make(map[uint64]chan error)
	s.mu.Unlock()

	for _, ack := range pending {
		ack <- ErrNotRunning
	}
}

func (s *Sidecar) onExit(p *sidecarProc) {
	select {
	case <-p.started:
	default:
		return
	}
	select {
	case <-s.done:
		s.log.Infow("bridge exited", "error", p.exitErr)
	default:
		s.log.Errorw("bridge exited unexpectedly", "error", p.exitErr)
		reason := "bridge exited"
		if p.exitErr != nil {
			reason += ": " + p.exitErr.Error()
		}
		s.emit(Event{Type: EventDisconnected, Reason: reason})
	}
}

func (s *Sidecar) readEvents(p *sidecarProc, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var ev wireEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			s.log.Warnw("bridge sent malformed line", "error", err)
			continue
		}
		s.handle(p, ev)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warnw("bridge stdout read failed", "error", err)
	}
}

func (s *Sidecar) handle(p *sidecarProc, ev wireEvent) {
	switch ev.Type {
	case "started":
		p.startOnce.Do(func() { close(p.started) })
	case "qr":
		s.emit(Event{Type: EventCredential, Credential: ev.Data})
	case "authenticated":
		s.emit(Event{Type: EventAuthenticated})
	case "ready":
		s.emit(Event{Type: EventReady})
	case "auth_failure":
		s.emit(Event{Type: EventAuthFailure, Reason: ev.Reason})
	case "disconnected":
		s.emit(Event{Type: EventDisconnected, Reason: ev.Reason})
	case "message":
		ts := time.Now()
		if ev.Timestamp > 0 {
			ts = time.Unix(ev.Timestamp, 0)
		}
		s.emit(Event{Type: EventMessage, Message: Message{
			ID:        ev.ID,
			From:      ev.From,
			Body:      ev.Body,
			Timestamp: ts,
		}})
	case "ack":
		s.mu.Lock()
		ack, ok := s.pending[ev.Seq]
		delete(s.pending, ev.Seq)
		s.mu.Unlock()
		if !ok {
			return
		}
		if ev.Error != "" {
			ack <- errors.New(ev.Error)
		} else {
			ack <- nil
		}
	default:
		s.log.Debugw("bridge sent unknown event", "type", ev.Type)
	}
}

func (s *Sidecar) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Sidecar) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.log.Debugw("bridge", "stderr", scanner.Text())
	}
}

func (s *Sidecar) dropPending(seq uint64) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

func (p *sidecarProc) writeLine(cmd wireCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(data)
	return err
}

// terminateTree kills pid and every descendant. Browsers started by the
// helper would otherwise outlive it.
func terminateTree(pid int) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return killTree(root)
}

func killTree(p *process.Process) error {
	children, _ := p.Children()
	for _, child := range children {
		_ = killTree(child)
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); running {
			return errors.Wrapf(err, "kill pid %d", p.Pid)
		}
	}
	return nil
}

package scorer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Meteor drives the METEOR 1.5 jar over its stdio protocol. The process is
// started on first use and kept until Close.
type Meteor struct {
	java string
	jar  string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func NewMeteor(java, jar string) (*Meteor, error) {
	if strings.TrimSpace(jar) == "" {
		return nil, errors.New("meteor: jar path is required")
	}
	if java == "" {
		java = "java"
	}
	return &Meteor{java: java, jar: jar}, nil
}

func (m *Meteor) Metric() Metric { return METEOR }

func (m *Meteor) start() error {
	if m.cmd != nil {
		return nil
	}
	cmd := exec.Command(m.java, "-jar", "-Xmx2G", m.jar, "-", "-", "-stdio", "-l", "en", "-norm")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("meteor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("meteor stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start meteor: %w", err)
	}
	m.cmd = cmd
	m.stdin = stdin
	m.stdout = bufio.NewReader(stdout)
	return nil
}

func (m *Meteor) Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (Result, error) {
	in, err := prepare(hyps, refs)
	if err != nil {
		return Result{}, err
	}
	res := Result{PerSample: make(map[string]float64, len(in.ids))}
	if len(in.ids) == 0 {
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := m.start(); err != nil {
		return Result{}, err
	}
	defer m.watch(ctx)()

	eval := []string{"EVAL"}
	for _, id := range in.ids {
		stats, err := m.exchange(scoreLine(in.hyps[id], in.refs[id]))
		if err != nil {
			return Result{}, m.fail(ctx, err)
		}
		eval = append(eval, stats)
	}

	if _, err := io.WriteString(m.stdin, strings.Join(eval, " ||| ")+"\n"); err != nil {
		return Result{}, m.fail(ctx, fmt.Errorf("write meteor eval: %w", err))
	}
	for _, id := range in.ids {
		v, err := m.readFloat()
		if err != nil {
			return Result{}, m.fail(ctx, err)
		}
		if len(in.hyps[id]) == 0 {
			v = 0
		}
		res.PerSample[id] = v
	}
	corpus, err := m.readFloat()
	if err != nil {
		return Result{}, m.fail(ctx, err)
	}
	res.Corpus = corpus
	return res, nil
}

func scoreLine(hyp []string, refs [][]string) string {
	parts := []string{"SCORE"}
	for _, r := range refs {
		parts = append(parts, sanitize(strings.Join(r, " ")))
	}
	parts = append(parts, sanitize(strings.Join(hyp, " ")))
	return strings.Join(parts, " ||| ")
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "|||", "")
	return strings.Join(strings.Fields(s), " ")
}

func (m *Meteor) exchange(line string) (string, error) {
	if _, err := io.WriteString(m.stdin, line+"\n"); err != nil {
		return "", fmt.Errorf("write meteor score: %w", err)
	}
	out, err := m.stdout.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read meteor stats: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (m *Meteor) readFloat() (float64, error) {
	out, err := m.stdout.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read meteor score: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("parse meteor score %q: %w", strings.TrimSpace(out), err)
	}
	return v, nil
}

// fail tears down the process so the next call starts a fresh one; the
// protocol cannot resynchronise after a partial exchange.
func (m *Meteor) fail(ctx context.Context, err error) error {
	_ = m.stop()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// watch kills the process if ctx ends mid-exchange, which unblocks pending
// reads. The returned func stops watching and reaps a killed process.
func (m *Meteor) watch(ctx context.Context) func() {
	proc := m.cmd.Process
	done := make(chan struct{})
	killed := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
			killed <- true
		case <-done:
			killed <- false
		}
	}()
	return func() {
		close(done)
		if <-killed && m.cmd != nil && m.cmd.Process == proc {
			_ = m.stop()
		}
	}
}

func (m *Meteor) stop() error {
	if m.cmd == nil {
		return nil
	}
	_ = m.stdin.Close()
	err := m.cmd.Wait()
	m.cmd, m.stdin, m.stdout = nil, nil, nil
	return err
}

// Close stops the METEOR process.
func (m *Meteor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stop(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return nil
}

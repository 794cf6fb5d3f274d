// Package bridge runs the external generation program for one chat request
// and translates its stream-json output into OpenAI shaped deltas.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/prompt"
	"github.com/memohai/clibridge/internal/prune"
	"github.com/memohai/clibridge/internal/tempfile"
)

const (
	stderrTailLines = 20
	stderrLineBytes = 512
	pipeGrace       = 2 * time.Second
)

var bootFailurePatterns = []string{"command not found", "is not recognized"}

// Request is one invocation's input. SessionID and KnownTurns come from the
// session resolver; both are zero for a fresh conversation.
type Request struct {
	Chat       conversation.ChatCompletionRequest
	SessionID  string
	KnownTurns int
}

// Completion is the successful outcome of an invocation.
type Completion struct {
	ID    string
	Model string
	Text  string
	// StreamedText is the text as emitted by the external program, which is
	// what a streaming client received. It differs from Text only when a
	// structured output fence was unwrapped.
	StreamedText string
	Stats        *Stats
	ToolCalls []conversation.ToolCall
	SessionID string
}

// HasToolCalls reports whether the model asked for any tool.
func (c Completion) HasToolCalls() bool {
	return len(c.ToolCalls) > 0
}

// Usage converts the external stats to an OpenAI usage block, or nil.
func (c Completion) Usage() *chat.Usage {
	if c.Stats == nil {
		return nil
	}
	u := chat.NewUsage(c.Stats.InputTokens, c.Stats.OutputTokens, c.Stats.TotalTokens, c.Stats.Cached)
	return &u
}

// Bridge spawns the external program. It is safe for concurrent use.
type Bridge struct {
	cfg      config.BridgeConfig
	compiler *prompt.Compiler
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// New creates a bridge. A zero MaxConcurrent leaves concurrency unbounded.
func New(log *slog.Logger, cfg config.BridgeConfig, compiler *prompt.Compiler) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		cfg:      cfg,
		compiler: compiler,
		logger:   log.With(slog.String("service", "bridge")),
	}
	if cfg.MaxConcurrent > 0 {
		b.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return b
}

// Invocation is one running request. Deltas must be drained; Result blocks
// until the process has exited, its output is consumed and temp files are gone.
type Invocation struct {
	ID    string
	Model string

	deltas chan Delta
	done   chan struct{}
	result Completion
	err    error
}

// Deltas yields text and tool call deltas in output order. It is closed
// before Done.
func (inv *Invocation) Deltas() <-chan Delta { return inv.deltas }

// Done is closed once the outcome is known.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Result waits for the outcome. Exactly one of the two return values is set.
func (inv *Invocation) Result() (Completion, error) {
	<-inv.done
	return inv.result, inv.err
}

// Start launches an invocation. Cancelling ctx kills the child.
func (b *Bridge) Start(ctx context.Context, req Request) *Invocation {
	model := req.Chat.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	inv := &Invocation{
		ID:     chat.NewCompletionID(),
		Model:  model,
		deltas: make(chan Delta, 64),
		done:   make(chan struct{}),
	}
	go b.run(ctx, inv, req)
	return inv
}

func (b *Bridge) run(ctx context.Context, inv *Invocation, req Request) {
	log := b.logger.With(slog.String("invocation", inv.ID))
	queue := tempfile.NewQueue(b.cfg.TempDir, log)
	started := time.Now()

	completion, err := b.execute(ctx, log, inv, req, queue)
	queue.Cleanup()
	close(inv.deltas)

	if err != nil {
		log.Error("invocation failed", slog.Any("error", err), slog.Duration("took", time.Since(started)))
		inv.err = err
	} else {
		log.Info("invocation completed",
			slog.Int("text_bytes", len(completion.Text)),
			slog.Int("tool_calls", len(completion.ToolCalls)),
			slog.String("session_id", completion.SessionID),
			slog.Duration("took", time.Since(started)),
		)
		inv.result = completion
	}
	close(inv.done)
}

func (b *Bridge) execute(ctx context.Context, log *slog.Logger, inv *Invocation, req Request, queue *tempfile.Queue) (Completion, error) {
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return Completion{}, err
		}
		defer b.sem.Release(1)
	}

	compiled := b.compiler.Compile(ctx, req.Chat, knownTurns(req), queue)
	env, err := b.environment(log, inv.Model, compiled, queue)
	if err != nil {
		return Completion{}, err
	}
	args := b.arguments(compiled.Prompt, req.SessionID)

	timeout := b.cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.cfg.Binary, args...)
	cmd.Env = env
	cmd.WaitDelay = pipeGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Completion{}, &SpawnError{Binary: b.cfg.Binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Completion{}, &SpawnError{Binary: b.cfg.Binary, Err: err}
	}

	log.Debug("spawning external program",
		slog.String("binary", b.cfg.Binary),
		slog.String("model", inv.Model),
		slog.String("resume", req.SessionID),
		slog.Int("prompt_bytes", len(compiled.Prompt)),
		slog.Int("attachments", len(compiled.Attachments)),
	)
	if err := cmd.Start(); err != nil {
		return Completion{}, &SpawnError{Binary: b.cfg.Binary, Err: err}
	}

	// Readers blocked on a pipe held open by a grandchild are released by
	// closing our ends once the run is cancelled.
	stopClosing := context.AfterFunc(runCtx, func() {
		time.AfterFunc(pipeGrace, func() {
			_ = stdout.Close()
			_ = stderr.Close()
		})
	})
	defer stopClosing()

	translator := NewTranslator(log)
	errs := newStderrCollector(log, cancel)

	var g errgroup.Group
	g.Go(func() error {
		return b.readStdout(runCtx, stdout, translator, inv.deltas)
	})
	g.Go(func() error {
		errs.read(stderr)
		return nil
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	for _, d := range translator.Finish() {
		send(runCtx, inv.deltas, d)
	}

	switch {
	case errs.bootFailure() != "":
		return Completion{}, fmt.Errorf("%w: %s", ErrBootFailure, errs.bootFailure())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return Completion{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case ctx.Err() != nil:
		return Completion{}, ctx.Err()
	case readErr != nil && !errors.Is(readErr, os.ErrClosed):
		return Completion{}, fmt.Errorf("read output: %w", readErr)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return Completion{}, &ExitError{Code: code, Stderr: errs.tail()}
		}
		// Killed by a signal with no timeout or boot failure on our side:
		// there is no exit code to report, treat it like a clean exit.
		log.Warn("external program terminated by signal", slog.String("state", exitErr.String()))
	} else if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return Completion{}, fmt.Errorf("wait for external program: %w", waitErr)
	}

	text := translator.Text()
	if compiled.Overlay.StructuredOutput {
		text = UnwrapFence(text)
	}
	sessionID := translator.SessionID()
	if sessionID == "" {
		sessionID = req.SessionID
	}
	return Completion{
		ID:           inv.ID,
		Model:        inv.Model,
		Text:         text,
		StreamedText: translator.Text(),
		Stats:        translator.Stats(),
		ToolCalls:    translator.ToolCalls(),
		SessionID:    sessionID,
	}, nil
}

// knownTurns only applies when the request actually resumes a session.
func knownTurns(req Request) int {
	if req.SessionID == "" {
		return 0
	}
	return req.KnownTurns
}

func (b *Bridge) arguments(promptText, sessionID string) []string {
	args := make([]string, 0, len(b.cfg.ArgsPrefix)+7)
	args = append(args, b.cfg.ArgsPrefix...)
	args = append(args, "-p", promptText, "--output-format", "stream-json", "--yolo")
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	return args
}

func (b *Bridge) environment(log *slog.Logger, model string, compiled prompt.Compiled, queue *tempfile.Queue) ([]string, error) {
	env := append(os.Environ(), "NO_COLOR=1")
	env = append(env, b.cfg.Env...)

	if compiled.System != "" && b.cfg.SystemEnv != "" {
		path, err := queue.Write("system-*.md", []byte(compiled.System))
		if err != nil {
			return nil, fmt.Errorf("write system instruction: %w", err)
		}
		env = append(env, b.cfg.SystemEnv+"="+path)
	}

	if b.cfg.SettingsEnv != "" {
		base, err := LoadBaseSettings(b.cfg.SettingsPath)
		if err != nil {
			log.Warn("ignoring base settings", slog.Any("error", err))
		}
		merged, err := MergeSettings(base, compiled.Overlay)
		if err != nil {
			return nil, err
		}
		if string(bytes.TrimSpace(merged)) == "{}" {
			return appendModel(env, model, b.cfg), nil
		}
		path, err := queue.Write("settings-*.json", merged)
		if err != nil {
			return nil, fmt.Errorf("write settings: %w", err)
		}
		env = append(env, b.cfg.SettingsEnv+"="+path)
	}

	return appendModel(env, model, b.cfg), nil
}

// appendModel selects a model only when the request names a real one.
func appendModel(env []string, model string, cfg config.BridgeConfig) []string {
	if model == "" || model == cfg.DefaultModel || model == config.DefaultModelName || cfg.ModelEnv == "" {
		return env
	}
	return append(env, cfg.ModelEnv+"="+model)
}

func (b *Bridge) readStdout(ctx context.Context, r io.Reader, t *Translator, out chan<- Delta) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		for _, d := range t.Feed(scanner.Text()) {
			send(ctx, out, d)
		}
	}
	return scanner.Err()
}

// send delivers d unless the run was cancelled and nobody is reading.
func send(ctx context.Context, out chan<- Delta, d Delta) {
	select {
	case out <- d:
	case <-ctx.Done():
		select {
		case out <- d:
		default:
		}
	}
}

// stderrCollector logs stderr, keeps its tail and watches for boot failures.
type stderrCollector struct {
	logger *slog.Logger
	kill   context.CancelFunc

	mu    sync.Mutex
	lines []string
	boot  string
}

func newStderrCollector(log *slog.Logger, kill context.CancelFunc) *stderrCollector {
	return &stderrCollector{logger: log, kill: kill}
}

func (c *stderrCollector) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.logger.Warn("external program stderr", slog.String("line", prune.Edges(line, stderrLineBytes)))

		c.mu.Lock()
		c.lines = append(c.lines, line)
		if len(c.lines) > stderrTailLines {
			c.lines = c.lines[len(c.lines)-stderrTailLines:]
		}
		boot := c.boot == "" && isBootFailure(line)
		if boot {
			c.boot = strings.TrimSpace(line)
		}
		c.mu.Unlock()

		if boot {
			c.kill()
		}
	}
}

func (c *stderrCollector) bootFailure() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boot
}

func (c *stderrCollector) tail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return prune.Lines(c.lines, stderrTailLines, stderrLineBytes)
}

func isBootFailure(line string) bool {
	for _, p := range bootFailurePatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

package toolchain

import (
	"bufio"
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

	"anvil/internal/config"
	"anvil/internal/logging"
	"anvil/internal/services"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine func(string)) error
}

// ExitError reports a process that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// CompileError is returned when the compiler/remapper fails. Diagnostics
// holds the tool's output verbatim.
type CompileError struct {
	Tool        string
	ExitCode    int
	Diagnostics []string
	Reason      string
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *CompileError) Is(target error) bool {
	return target == services.ErrCompileFailed
}

// CompileRequest describes one compiler/remapper run.
type CompileRequest struct {
	SourceRoots []string
	Classpath   []string
	MappingFile string
	OutputDir   string
	WorkDir     string
}

// DecompileRequest describes one decompiler run.
type DecompileRequest struct {
	Input       string
	MappingFile string
	OutputDir   string
	WorkDir     string
}

// Result describes a successful run.
type Result struct {
	Command string
	// Outputs lists the files the tool wrote, as slash-separated paths
	// relative to the request's OutputDir.
	Outputs  []string
	Duration time.Duration
	// Diagnostics holds every line the tool printed, in order.
	Diagnostics []string
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger routes tool output to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "toolchain")
		}
	}
}

// WithEnviron replaces the base environment (defaults to os.Environ).
func WithEnviron(env []string) Option {
	return func(c *Client) {
		c.environ = append([]string(nil), env...)
	}
}

// Client runs the configured toolchain commands.
type Client struct {
	decompile    string
	compile      string
	javaOptions  string
	mavenOptions string
	timeout      time.Duration
	exec         Executor
	logger       *slog.Logger
	environ      []string
}

// New constructs a toolchain client from configuration.
func New(cfg config.Toolchain, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.CompileCommand) == "" || strings.TrimSpace(cfg.DecompileCommand) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "toolchain", "new", "compile and decompile commands required", nil)
	}
	client := &Client{
		decompile:    cfg.DecompileCommand,
		compile:      cfg.CompileCommand,
		javaOptions:  cfg.JavaOptions,
		mavenOptions: cfg.MavenOptions,
		timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		exec:         commandExecutor{},
		logger:       logging.NewNop(),
		environ:      os.Environ(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Binaries returns the executables the configured templates invoke.
func (c *Client) Binaries() []string {
	var out []string
	for _, template := range []string{c.decompile, c.compile} {
		if fields := strings.Fields(template); len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// Decompile turns the input artifact into a source tree in OutputDir.
func (c *Client) Decompile(ctx context.Context, req DecompileRequest) (Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "toolchain", "decompile", "input artifact required", nil)
	}
	return c.invoke(ctx, "decompiler", c.decompile, req.WorkDir, req.OutputDir, map[string]string{
		PlaceholderInput:   req.Input,
		PlaceholderMapping: req.MappingFile,
		PlaceholderOutput:  req.OutputDir,
	})
}

// Compile builds the source roots into the final artifact in OutputDir.
func (c *Client) Compile(ctx context.Context, req CompileRequest) (Result, error) {
	if len(req.SourceRoots) == 0 {
		return Result{}, services.Wrap(services.ErrValidation, "toolchain", "compile", "at least one source root required", nil)
	}
	return c.invoke(ctx, "compiler", c.compile, req.WorkDir, req.OutputDir, map[string]string{
		PlaceholderSources:   joinList(req.SourceRoots),
		PlaceholderClasspath: joinList(req.Classpath),
		PlaceholderMapping:   req.MappingFile,
		PlaceholderOutput:    req.OutputDir,
	})
}

func (c *Client) invoke(ctx context.Context, tool, template, workDir, outputDir string, values map[string]string) (Result, error) {
	binary, args, err := expand(template, values)
	if err != nil {
		return Result{}, err
	}
	if err := prepareOutput(outputDir); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "toolchain", tool, "", err)
	}
	cmd := Command{
		Binary: binary,
		Args:   args,
		Dir:    workDir,
		Env:    environment(c.environ, c.javaOptions, c.mavenOptions),
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logger := logging.WithContext(ctx, c.logger).With(logging.String("tool", tool))
	logger.InfoContext(ctx, "toolchain command starting", logging.String("command", cmd.String()))
	lines := &transcript{}
	started := time.Now()
	runErr := c.exec.Run(runCtx, cmd, func(line string) {
		level, text := lineLevel(line)
		lines.add(line, level)
		logger.Log(ctx, level, text)
	})
	elapsed := time.Since(started)
	diagnostics := lines.snapshot()

	if runErr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, services.Wrap(services.ErrTimeout, "toolchain", tool, fmt.Sprintf("exceeded %s", c.timeout), runErr)
		}
		var exitErr *ExitError
		if errors.As(runErr, &exitErr) {
			return Result{}, &CompileError{Tool: tool, ExitCode: exitErr.Code, Diagnostics: diagnostics}
		}
		return Result{}, services.Wrap(services.ErrExternalTool, "toolchain", tool, cmd.Binary, runErr)
	}

	outputs, err := outputFiles(outputDir)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "toolchain", tool, "inspect output", err)
	}
	if len(outputs) == 0 {
		return Result{}, &CompileError{Tool: tool, Diagnostics: diagnostics, Reason: "exited successfully but produced no output"}
	}
	logger.InfoContext(ctx, "toolchain command finished",
		logging.Int("outputs", len(outputs)),
		logging.Int("error_lines", lines.errorCount()),
		logging.Duration("duration", elapsed),
	)
	return Result{Command: cmd.String(), Outputs: outputs, Duration: elapsed, Diagnostics: diagnostics}, nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, command Command, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, command.Binary, command.Args...) //nolint:gosec
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}

package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"anvil/internal/services"
)

// Branch is the branch every managed working tree commits to.
const Branch = "anvil"

// Runner executes a git command. dir, when non-empty, is passed as -C.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Option configures the client.
type Option func(*Client)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(r Runner) Option {
	return func(c *Client) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithIdentity sets the author used for commits.
func WithIdentity(name, email string) Option {
	return func(c *Client) {
		if strings.TrimSpace(name) != "" {
			c.name = strings.TrimSpace(name)
		}
		if strings.TrimSpace(email) != "" {
			c.email = strings.TrimSpace(email)
		}
	}
}

// Client wraps git CLI interactions.
type Client struct {
	runner Runner
	name   string
	email  string
}

// New constructs a git client using the git binary on PATH.
func New(opts ...Option) *Client {
	c := &Client{
		runner: commandRunner{binary: "git"},
		name:   "anvil",
		email:  "anvil@localhost",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := c.runner.Run(ctx, dir, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", services.Wrap(services.ErrExternalTool, "git", subcommand(args), dir, err)
	}
	return out, nil
}

// subcommand skips leading "-c key=value" pairs.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// Init creates an empty repository at dir on the managed branch.
func (c *Client) Init(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("git init: create %s: %w", dir, err)
	}
	_, err := c.run(ctx, dir, "init", "-q", "-b", Branch)
	return err
}

// Clone clones source into dest. dest must not exist yet.
func (c *Client) Clone(ctx context.Context, source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("git clone: create parent of %s: %w", dest, err)
	}
	_, err := c.run(ctx, "", "clone", "-q", "--no-hardlinks", source, dest)
	return err
}

// Checkout forcibly checks out rev onto the managed branch.
func (c *Client) Checkout(ctx context.Context, dir, rev string) error {
	_, err := c.run(ctx, dir, "checkout", "-q", "-f", "-B", Branch, rev)
	return err
}

// CheckoutDetached forcibly checks out rev without moving any branch.
func (c *Client) CheckoutDetached(ctx context.Context, dir, rev string) error {
	_, err := c.run(ctx, dir, "checkout", "-q", "-f", "--detach", rev)
	return err
}

// Clean removes untracked and ignored files.
func (c *Client) Clean(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "clean", "-q", "-f", "-d", "-x")
	return err
}

// Fetch updates remote refs from origin.
func (c *Client) Fetch(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "fetch", "-q", "--tags", "origin")
	return err
}

// Head returns the commit HEAD points at.
func (c *Client) Head(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResolveRevision expands a revision expression to a commit id.
func (c *Client) ResolveRevision(ctx context.Context, dir, rev string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--verify", "-q", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasRevision reports whether rev names a commit present locally.
func (c *Client) HasRevision(ctx context.Context, dir, rev string) bool {
	_, err := c.runner.Run(ctx, dir, "cat-file", "-e", rev+"^{commit}")
	return err == nil
}

// IsClean reports whether the working directory has no changes, untracked
// files included.
func (c *Client) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CommitAll stages every change and commits it, returning the new HEAD.
func (c *Client) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, dir,
		"-c", "user.name="+c.name,
		"-c", "user.email="+c.email,
		"-c", "commit.gpgsign=false",
		"commit", "-q", "--allow-empty", "--no-verify", "-m", message,
	); err != nil {
		return "", err
	}
	return c.Head(ctx, dir)
}

// IsRepository reports whether dir is the root of a git working tree.
func (c *Client) IsRepository(ctx context.Context, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false
	}
	out, err := c.runner.Run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	top, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	if err != nil {
		return false
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	return top == want
}

// Sync makes dir a checkout of url at rev: it clones when dir is not a valid
// repository, fetches when rev is unknown locally, and force-checks out rev.
func (c *Client) Sync(ctx context.Context, dir, url, rev string) (string, error) {
	if !c.IsRepository(ctx, dir) {
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("git sync: remove invalid checkout %s: %w", dir, err)
		}
		if err := c.Clone(ctx, url, dir); err != nil {
			return "", err
		}
	}
	if !c.HasRevision(ctx, dir, rev) {
		if err := c.Fetch(ctx, dir); err != nil {
			return "", err
		}
	}
	if err := c.CheckoutDetached(ctx, dir, rev); err != nil {
		return "", err
	}
	if err := c.Clean(ctx, dir); err != nil {
		return "", err
	}
	return c.Head(ctx, dir)
}

type commandRunner struct {
	binary string
}

func (r commandRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, fullArgs...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

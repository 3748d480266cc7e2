package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anvil/internal/services"
)

// Placeholders recognised in command templates.
const (
	PlaceholderInput     = "{input}"
	PlaceholderSources   = "{sources}"
	PlaceholderClasspath = "{classpath}"
	PlaceholderMapping   = "{mapping}"
	PlaceholderOutput    = "{output}"
)

// Command is one resolved process invocation.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Binary + " " + strings.Join(c.Args, " "))
}

var errEmptyTemplate = errors.New("command template is empty")

// expand splits template into binary and arguments, then substitutes
// placeholders inside each argument.
func expand(template string, values map[string]string) (string, []string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return "", nil, services.Wrap(services.ErrConfiguration, "toolchain", "expand", "", errEmptyTemplate)
	}
	pairs := make([]string, 0, 2*len(values))
	for key, value := range values {
		pairs = append(pairs, key, value)
	}
	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(fields))
	for i, field := range fields {
		out[i] = replacer.Replace(field)
	}
	return out[0], out[1:], nil
}

func joinList(paths []string) string {
	return strings.Join(paths, string(os.PathListSeparator))
}

// environment returns the process environment with the Java and Maven
// defaults added unless the caller already sets them.
func environment(base []string, javaOptions, mavenOptions string) []string {
	env := append([]string(nil), base...)
	if javaOptions != "" && !hasEnv(base, "_JAVA_OPTIONS") {
		env = append(env, "_JAVA_OPTIONS="+javaOptions)
	}
	if mavenOptions != "" && !hasEnv(base, "MAVEN_OPTS") {
		env = append(env, "MAVEN_OPTS="+mavenOptions)
	}
	return env
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}

// prepareOutput empties dir, creating it when needed.
func prepareOutput(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("output directory required")
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("prepare output: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	return nil
}

// outputFiles lists the regular files below dir, relative to it.
func outputFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

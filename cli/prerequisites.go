// Package cli checks that the command-line tools a process depends on are
// installed.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	pexec "github.com/zhubert/plural-sandbox/exec"
)

// versionTimeout bounds each version probe.
const versionTimeout = 5 * time.Second

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Command name (e.g., "claude", "docker")
	Required    bool   // Whether the process can run without it
	Description string
	InstallURL  string
}

// RunnerPrerequisites are the tools the in-container agent runner needs.
func RunnerPrerequisites(claudeBinary string) []Prerequisite {
	if claudeBinary == "" {
		claudeBinary = "claude"
	}
	return []Prerequisite{
		{
			Name:        claudeBinary,
			Required:    true,
			Description: "Claude Code CLI",
			InstallURL:  "https://claude.ai/code",
		},
		{
			Name:        "git",
			Required:    true,
			Description: "Git version control",
			InstallURL:  "https://git-scm.com/downloads",
		},
		{
			Name:        "rg",
			Required:    false,
			Description: "ripgrep (optional, speeds up Grep)",
			InstallURL:  "https://github.com/BurntSushi/ripgrep",
		},
	}
}

// HostPrerequisites are the tools the sandbox daemon needs on the host.
func HostPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "docker",
			Required:    true,
			Description: "Docker CLI",
			InstallURL:  "https://docs.docker.com/get-docker/",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Version      string
	Error        error
}

// Checker looks tools up on PATH and probes their versions.
type Checker struct {
	LookPath func(string) (string, error)
	Exec     pexec.CommandExecutor
}

// NewChecker returns a checker backed by the real PATH.
func NewChecker() *Checker {
	return &Checker{LookPath: exec.LookPath, Exec: pexec.NewRealExecutor()}
}

// Check verifies that a CLI tool is available in PATH
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := c.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, path)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error listing every missing required tool.
func ValidateRequired(results []CheckResult) error {
	var missing []string
	for _, r := range results {
		if r.Found || !r.Prerequisite.Required {
			continue
		}
		missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
			r.Prerequisite.Name, r.Prerequisite.Description, r.Prerequisite.InstallURL))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

func (c *Checker) version(ctx context.Context, path string) string {
	if c.Exec == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := c.Exec.Output(ctx, "", path, "--version")
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return line
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

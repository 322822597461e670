package container

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	pexec "github.com/zhubert/plural-sandbox/exec"
)

// DockerRuntime implements Runtime with the docker CLI.
type DockerRuntime struct {
	Binary string
	Exec   pexec.CommandExecutor
	// EnvDir holds the short-lived --env-file written for each create.
	EnvDir string
}

// NewDockerRuntime creates a runtime that runs binary through ex.
func NewDockerRuntime(binary string, ex pexec.CommandExecutor, envDir string) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &DockerRuntime{Binary: binary, Exec: ex, EnvDir: envDir}
}

var _ Runtime = (*DockerRuntime)(nil)

// runArgs returns the docker CLI arguments for creating spec's container.
func runArgs(spec Spec, envFile string) []string {
	mount := spec.MountPath
	if mount == "" {
		mount = MountPath
	}
	args := []string{"run", "-d", "--init", "--name", spec.Name}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, "-v", spec.WorkspacePath+":"+mount, "-w", mount)
	if envFile != "" {
		args = append(args, "--env-file", envFile)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	} else {
		// Published on loopback only; the host picks the port.
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", spec.Port))
	}
	return append(args, spec.Image)
}

// Create writes spec.Env to a 0600 env file, runs the container detached and
// removes the env file once docker has read it.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	envFile, err := d.writeEnvFile(spec.Env)
	if err != nil {
		return "", err
	}
	if envFile != "" {
		defer os.Remove(envFile)
	}

	out, err := d.Exec.Output(ctx, "", d.Binary, runArgs(spec, envFile)...)
	if err != nil {
		return "", fmt.Errorf("docker run %s: %w", spec.Name, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("docker run %s: empty container id", spec.Name)
	}
	return id, nil
}

func (d *DockerRuntime) writeEnvFile(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(env))
	for k, v := range env {
		if strings.ContainsAny(k, "=\n") || strings.Contains(v, "\n") {
			return "", fmt.Errorf("environment variable %q cannot be passed in an env file", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := os.MkdirAll(d.EnvDir, 0o700); err != nil {
		return "", fmt.Errorf("create env dir: %w", err)
	}
	// CreateTemp opens with 0600.
	f, err := os.CreateTemp(d.EnvDir, "sandbox-*.env")
	if err != nil {
		return "", fmt.Errorf("create env file: %w", err)
	}
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + env[k] + "\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write env file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write env file: %w", err)
	}
	return f.Name(), nil
}

// Address resolves the Task API address. On a user network the container
// is reached by name; otherwise through its published loopback port.
func (d *DockerRuntime) Address(ctx context.Context, id string, spec Spec) (string, error) {
	if spec.Network != "" {
		return net.JoinHostPort(spec.Name, strconv.Itoa(spec.Port)), nil
	}
	out, err := d.Exec.Output(ctx, "", d.Binary, "port", id, fmt.Sprintf("%d/tcp", spec.Port))
	if err != nil {
		return "", fmt.Errorf("docker port %s: %w", shortID(id), err)
	}
	return parsePortOutput(string(out))
}

// parsePortOutput picks the IPv4 binding from `docker port` output such as
// "127.0.0.1:49153\n[::1]:49153".
func parsePortOutput(out string) (string, error) {
	var fallback string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			continue
		}
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(host, port), nil
		}
		if fallback == "" {
			fallback = net.JoinHostPort(host, port)
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no port binding in %q", out)
}

// Stop stops the container gracefully.
func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Round(time.Second) / time.Second)
	_, err := d.Exec.Output(ctx, "", d.Binary, "stop", "-t", strconv.Itoa(secs), id)
	if err != nil {
		if noSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("docker stop %s: %w", shortID(id), err)
	}
	return nil
}

// Remove force-removes the container.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := d.Exec.Output(ctx, "", d.Binary, "rm", "-f", id)
	if err != nil {
		if noSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("docker rm %s: %w", shortID(id), err)
	}
	return nil
}

// List returns containers carrying every label in labels, running or not.
func (d *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]Summary, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("docker ps: refusing to list without a label filter")
	}
	args := []string{"ps", "-a", "--no-trunc"}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	args = append(args, "--format", `{{.ID}}\t{{.Names}}\t{{.Label "`+LabelSession+`"}}`)

	out, err := d.Exec.Output(ctx, "", d.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	var list []Summary
	for line := range strings.SplitSeq(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		s := Summary{ID: fields[0]}
		if len(fields) > 1 {
			s.Name = fields[1]
		}
		if len(fields) > 2 {
			s.SessionID = fields[2]
		}
		list = append(list, s)
	}
	return list, nil
}

// Logs returns the container's last tail lines of stdout and stderr.
func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	stdout, stderr, err := d.Exec.Run(ctx, "", d.Binary, "logs", "--tail", strconv.Itoa(tail), id)
	if err != nil {
		return "", fmt.Errorf("docker logs %s: %w", shortID(id), err)
	}
	return string(stdout) + string(stderr), nil
}

func noSuchContainer(err error) bool {
	return pexec.StderrContains(err, "No such container")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

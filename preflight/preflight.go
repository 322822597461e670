// Package preflight verifies the host's Docker installation before the
// sandbox daemon starts provisioning containers.
package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	pexec "github.com/zhubert/plural-sandbox/exec"
)

const (
	// checkTimeout is the maximum time to wait for local docker commands.
	checkTimeout = 5 * time.Second

	// registryTimeout bounds remote registry checks.
	registryTimeout = 15 * time.Second

	// pullTimeout bounds an image pull.
	pullTimeout = 10 * time.Minute
)

// Errors reported by Check.
var (
	ErrDaemonDown   = errors.New("docker daemon is not running")
	ErrImageMissing = errors.New("sandbox image not found locally")
)

// Docker runs checks against the docker CLI.
type Docker struct {
	Binary string
	Exec   pexec.CommandExecutor
	Log    *slog.Logger
}

// NewDocker creates a checker for the given docker binary.
func NewDocker(binary string, ex pexec.CommandExecutor, log *slog.Logger) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{Binary: binary, Exec: ex, Log: log}
}

// DaemonRunning returns nil if the Docker daemon answers.
func (d *Docker) DaemonRunning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	out, err := d.Exec.Output(ctx, "", d.Binary, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonDown, err)
	}
	d.Log.Debug("docker daemon running", "serverVersion", strings.TrimSpace(string(out)))
	return nil
}

// ImageExists reports whether image is present locally.
func (d *Docker) ImageExists(ctx context.Context, image string) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	_, err := d.Exec.Output(ctx, "", d.Binary, "image", "inspect", "--format", "{{.Id}}", image)
	return err == nil
}

// PullImage pulls image from its registry.
func (d *Docker) PullImage(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	d.Log.Info("pulling sandbox image", "image", image)
	if _, err := d.Exec.Output(ctx, "", d.Binary, "pull", image); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

// Result holds the outcome of the host checks.
type Result struct {
	DaemonRunning bool
	ImageExists   bool
	ImagePulled   bool
}

// Check verifies the daemon and image. Later checks are skipped when an
// earlier one fails. A missing image is pulled when pull is set.
func (d *Docker) Check(ctx context.Context, image string, pull bool) (Result, error) {
	var res Result

	if err := d.DaemonRunning(ctx); err != nil {
		return res, err
	}
	res.DaemonRunning = true

	if d.ImageExists(ctx, image) {
		res.ImageExists = true
		return res, nil
	}
	if !pull {
		return res, fmt.Errorf("%w: %s", ErrImageMissing, image)
	}
	if err := d.PullImage(ctx, image); err != nil {
		return res, err
	}
	res.ImageExists = true
	res.ImagePulled = true
	return res, nil
}

// ImageUpdateAvailable compares the local image digest with the registry's
// digest for linux on the host architecture.
func (d *Docker) ImageUpdateAvailable(ctx context.Context, image string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	local, err := d.localDigest(ctx, image)
	if err != nil {
		return false, fmt.Errorf("local digest: %w", err)
	}
	remote, err := d.remoteDigest(ctx, image)
	if err != nil {
		return false, fmt.Errorf("remote digest: %w", err)
	}

	if local != remote {
		d.Log.Info("sandbox image update available", "image", image, "local", local, "remote", remote)
		return true, nil
	}
	return false, nil
}

type imageInspect struct {
	RepoDigests []string `json:"RepoDigests"`
}

// localDigest fails for images that were built locally and never pushed.
func (d *Docker) localDigest(ctx context.Context, image string) (string, error) {
	out, err := d.Exec.Output(ctx, "", d.Binary, "image", "inspect", image, "--format", "json")
	if err != nil {
		return "", err
	}

	var inspects []imageInspect
	if err := json.Unmarshal(out, &inspects); err != nil {
		return "", fmt.Errorf("parse image inspect: %w", err)
	}
	if len(inspects) == 0 || len(inspects[0].RepoDigests) == 0 {
		return "", errors.New("image has no repo digests")
	}

	// "ghcr.io/org/image@sha256:..."
	if _, digest, ok := strings.Cut(inspects[0].RepoDigests[0], "@"); ok {
		return digest, nil
	}
	return "", fmt.Errorf("no digest in %q", inspects[0].RepoDigests[0])
}

type manifestResponse struct {
	Manifests []struct {
		Digest   string `json:"digest"`
		Platform struct {
			Architecture string `json:"architecture"`
			OS           string `json:"os"`
		} `json:"platform"`
	} `json:"manifests"`
	Digest string `json:"digest"`
}

func (d *Docker) remoteDigest(ctx context.Context, image string) (string, error) {
	out, err := d.Exec.Output(ctx, "", d.Binary, "manifest", "inspect", image)
	if err != nil {
		return "", err
	}

	var mr manifestResponse
	if err := json.Unmarshal(out, &mr); err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}

	if len(mr.Manifests) > 0 {
		for _, m := range mr.Manifests {
			if m.Platform.OS == "linux" && m.Platform.Architecture == runtime.GOARCH {
				return m.Digest, nil
			}
		}
		return "", fmt.Errorf("no manifest for linux/%s", runtime.GOARCH)
	}
	if mr.Digest != "" {
		return mr.Digest, nil
	}
	return "", errors.New("manifest has no digest")
}

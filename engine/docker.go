package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// DockerClient implements Client against the Docker Engine API.
type DockerClient struct {
	cli    *client.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewDockerClient connects to the configured engine endpoint. When no
// endpoint is configured the standard environment (DOCKER_HOST etc.) decides.
func NewDockerClient(cfg *config.Config, logger *zap.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Engine.Endpoint != "" {
		opts = append(opts, client.WithHost(cfg.Engine.Endpoint))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &DockerClient{cli: cli, cfg: cfg, logger: logger}, nil
}

// Ping verifies the engine endpoint is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// imageTag derives a stable image tag from the canonical package signature.
func (d *DockerClient) imageTag(signature string) string {
	if signature == "" {
		return d.cfg.Engine.BaseImage
	}
	sum := sha256.Sum256([]byte(signature))
	return fmt.Sprintf("%s:%s", d.cfg.Engine.ImageRepository, hex.EncodeToString(sum[:])[:12])
}

// EnsureImage builds an image with the requested packages installed, reusing
// an existing build for the same signature. An empty package set resolves to
// the base image without a build.
func (d *DockerClient) EnsureImage(ctx context.Context, signature string, packages []string) (string, error) {
	tag := d.imageTag(signature)
	if len(packages) == 0 {
		return tag, nil
	}

	if _, _, err := d.cli.ImageInspectWithRaw(ctx, tag); err == nil {
		return tag, nil
	} else if !client.IsErrNotFound(err) {
		return "", classifyEngineErr("image inspect", err)
	}

	d.logger.Info("building execution image",
		zap.String("tag", tag),
		zap.Strings("packages", packages))

	buildCtx, err := tarArchive(map[string][]byte{
		"Dockerfile": []byte(d.dockerfile(packages)),
	}, 0, 0)
	if err != nil {
		return "", fmt.Errorf("failed to assemble build context: %w", err)
	}

	buildTimeout := time.Duration(d.cfg.Engine.BuildTimeoutSec) * time.Second
	buildCtxTimeout, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	resp, err := d.cli.ImageBuild(buildCtxTimeout, bytes.NewReader(buildCtx), types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", classifyEngineErr("image build", err)
	}
	defer resp.Body.Close()

	if err := d.drainBuildOutput(resp.Body, packages); err != nil {
		return "", err
	}

	return tag, nil
}

// dockerfile renders the build recipe for an execution image: the base image
// plus the requested packages installed under the sandbox user.
func (d *DockerClient) dockerfile(packages []string) string {
	uid := d.cfg.Security.UID
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", d.cfg.Engine.BaseImage)
	fmt.Fprintf(&b, "RUN useradd -m -u %d runbox\n", uid)
	b.WriteString("ENV PYTHONUNBUFFERED=1 PYTHONDONTWRITEBYTECODE=1 PYTHONIOENCODING=utf-8\n")
	b.WriteString("ENV PATH=\"/home/runbox/.local/bin:${PATH}\"\n")
	b.WriteString("USER runbox\n")
	fmt.Fprintf(&b, "RUN pip install --no-cache-dir --user %s\n", strings.Join(packages, " "))
	return b.String()
}

// buildMessage is one line of the engine's streamed build output.
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// drainBuildOutput consumes the build stream and converts a build failure
// into a PackageInstallError carrying the installer's output.
func (d *DockerClient) drainBuildOutput(r io.Reader, packages []string) error {
	var tail []string
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read build output: %w", err)
		}

		if line := strings.TrimSpace(msg.Stream); line != "" {
			tail = append(tail, line)
			if len(tail) > 30 {
				tail = tail[1:]
			}
		}

		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return &PackageInstallError{
				Packages: packages,
				Output:   strings.Join(append(tail, detail), "\n"),
			}
		}
	}
	return nil
}

// CreateContainer creates and starts a hardened container.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg := &container.Config{
		Image: spec.Image,
		Cmd:   strslice.StrSlice(spec.Cmd),
		Env:   spec.Env,
		User:  spec.Profile.User(),
	}

	hostCfg := &container.HostConfig{
		CapDrop: strslice.StrSlice(spec.Profile.CapDrop),
		CapAdd:  strslice.StrSlice(spec.Profile.CapAdd),
		SecurityOpt: []string{
			"no-new-privileges:true",
			"seccomp=" + spec.Profile.SeccompJSON,
		},
		ReadonlyRootfs: spec.Profile.ReadOnlyRootfs,
		Tmpfs:          spec.Profile.Tmpfs,
		NetworkMode:    container.NetworkMode("none"),
		Resources: container.Resources{
			Memory:    spec.Profile.MemoryBytes,
			NanoCPUs:  spec.Profile.NanoCPUs,
			PidsLimit: &spec.Profile.PidsLimit,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: spec.Profile.NofileLimit, Hard: spec.Profile.NofileLimit},
			},
		},
	}

	if spec.NetworkEnabled {
		hostCfg.NetworkMode = container.NetworkMode("bridge")
	}

	if spec.Port != nil {
		internal, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port.Internal))
		if err != nil {
			return "", fmt.Errorf("invalid internal port %d: %w", spec.Port.Internal, err)
		}
		containerCfg.ExposedPorts = nat.PortSet{internal: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			internal: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.Port.External)},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classifyEngineErr("container create", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a half-initialized container behind.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", classifyEngineErr("container start", err)
	}

	return resp.ID, nil
}

// StartContainer starts a stopped container in place.
func (d *DockerClient) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classifyEngineErr("container start", err)
	}
	return nil
}

// StopContainer stops a running container with the configured grace period.
func (d *DockerClient) StopContainer(ctx context.Context, id string) error {
	timeout := d.cfg.Engine.StopTimeoutSec
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classifyEngineErr("container stop", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Removing a missing container is
// not an error.
func (d *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return classifyEngineErr("container remove", err)
	}
	return nil
}

// ContainerRunning reports whether the container exists and is running.
func (d *DockerClient) ContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, classifyEngineErr("container inspect", err)
	}
	return info.State != nil && info.State.Running, nil
}

// WriteFile places content at dir/name inside the container, owned by the
// sandbox user.
func (d *DockerClient) WriteFile(ctx context.Context, id, dir, name string, content []byte) error {
	archive, err := tarArchive(map[string][]byte{name: content}, d.cfg.Security.UID, d.cfg.Security.GID)
	if err != nil {
		return fmt.Errorf("failed to assemble file archive: %w", err)
	}

	err = d.cli.CopyToContainer(ctx, id, dir, bytes.NewReader(archive), types.CopyToContainerOptions{})
	if err != nil {
		return classifyEngineErr("copy to container", err)
	}
	return nil
}

// Exec runs cmd inside the container and blocks until completion or context
// expiry. Output is demultiplexed into stdout and stderr.
func (d *DockerClient) Exec(ctx context.Context, id string, cmd []string, env []string) (*ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classifyEngineErr("exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, classifyEngineErr("exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Closing the attach connection unblocks the copier; the in-container
		// process keeps running until the caller kills it.
		attach.Close()
		<-done
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classifyEngineErr("exec inspect", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ExecDetached issues cmd inside the container without waiting for it.
func (d *DockerClient) ExecDetached(ctx context.Context, id string, cmd []string, env []string) error {
	created, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:    cmd,
		Env:    env,
		Detach: true,
	})
	if err != nil {
		return classifyEngineErr("exec create", err)
	}

	if err := d.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return classifyEngineErr("exec start", err)
	}
	return nil
}

// Stats takes a one-shot resource snapshot. Individual counters that cannot
// be read come back nil rather than failing the snapshot.
func (d *DockerClient) Stats(ctx context.Context, id string) (*StatsSnapshot, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, classifyEngineErr("container stats", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	return snapshotFromStats(&raw), nil
}

// Close releases the engine client.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// classifyEngineErr maps connection failures to ErrEngineUnavailable and
// wraps everything else with the failing operation.
func classifyEngineErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrEngineUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

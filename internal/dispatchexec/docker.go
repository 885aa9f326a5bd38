package dispatchexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs provider CLIs inside a short-lived container,
// satisfying the same Executor contract as ProcessExecutor. The prompt file
// is bind-mounted read-only at /dispatch/prompt.txt and the project at
// /workspace; the container's stdout and stderr are read back from its logs
// and written to the contract and debug files on the host.
type DockerExecutor struct {
	cli   *client.Client
	image string
}

// NewDockerExecutor builds a DockerExecutor against the local daemon
// configured via the standard DOCKER_HOST environment.
func NewDockerExecutor(image string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dispatchexec: init docker client: %w", err)
	}
	if image == "" {
		image = "dispatch-agent:latest"
	}
	return &DockerExecutor{cli: cli, image: image}, nil
}

func (*DockerExecutor) Name() string { return "docker" }

func (e *DockerExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	if err := ensureOutputDirs(in); err != nil {
		return Result{}, fmt.Errorf("dispatchexec: create output dirs: %w", err)
	}

	sessionName := fmt.Sprintf("dispatch-%s-%s-%d", in.RunID, in.TaskID, time.Now().UnixNano())
	promptPath := filepath.Join(filepath.Dir(in.ContractOutputPath), sessionName+".prompt")
	if err := os.WriteFile(promptPath, []byte(in.Prompt), 0o644); err != nil {
		return Result{}, fmt.Errorf("dispatchexec: write prompt file: %w", err)
	}
	defer os.Remove(promptPath)

	cfg := &container.Config{
		Image:      e.image,
		Cmd:        append([]string{in.Command.Command}, in.Command.Args...),
		Tty:        false,
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: promptPath, Target: "/dispatch/prompt.txt", ReadOnly: true},
			{Type: mount.TypeBind, Source: in.ProjectPath, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sessionName)
	if err != nil {
		return Result{}, fmt.Errorf("dispatchexec: create container: %w", err)
	}
	defer e.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("dispatchexec: start container: %w", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("dispatchexec: wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("dispatchexec: read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("dispatchexec: demux container logs: %w", err)
	}

	if err := os.WriteFile(in.ContractOutputPath, []byte(strings.TrimSpace(stdout.String())), 0o644); err != nil {
		return Result{}, fmt.Errorf("dispatchexec: write contract file: %w", err)
	}
	if err := os.WriteFile(in.DebugOutputPath, []byte(strings.TrimSpace(stderr.String())), 0o644); err != nil {
		return Result{}, fmt.Errorf("dispatchexec: write debug file: %w", err)
	}

	return Result{
		ExitCode:           exitCode,
		ContractOutputPath: in.ContractOutputPath,
		DebugOutputPath:    in.DebugOutputPath,
		DurationMs:         durationSince(start),
	}, nil
}

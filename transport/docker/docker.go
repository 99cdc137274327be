// Package docker runs the session proxy inside a running container with docker exec.
// The Docker client is configured from the standard environment variables (DOCKER_HOST etc.).
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/tether/internal/files"
	"github.com/guseggert/tether/transport"
	"go.uber.org/zap"
)

const (
	DefaultBinary = "/usr/local/bin/tether"
	// DefaultLocalBinary is searched for upwards from the working directory by Install.
	DefaultLocalBinary = "tether-linux"
)

// API is the subset of the Docker client used by the transport.
type API interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
}

type Transport struct {
	API       API
	Container string
	// Binary is the path of the tether binary inside the container.
	Binary     string
	GlobalArgs []string
	Env        []string
	User       string
	Log        *zap.SugaredLogger
}

func New(log *zap.SugaredLogger, container string) (*Transport, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Transport{
		API:       dockerClient,
		Container: container,
		Binary:    DefaultBinary,
		Log:       log.Named("docker_transport"),
	}, nil
}

// Install copies a local tether binary into the container at Binary.
// An empty localPath searches up from the working directory for DefaultLocalBinary.
func (t *Transport) Install(ctx context.Context, localPath string) error {
	if localPath == "" {
		p, err := files.FindUpFromWD(DefaultLocalBinary)
		if err != nil {
			return fmt.Errorf("finding tether binary: %w", err)
		}
		localPath = p
	}
	contents, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", localPath, err)
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err = tw.WriteHeader(&tar.Header{
		Name:    path.Base(t.Binary),
		Mode:    0o755,
		Size:    int64(len(contents)),
		ModTime: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(contents); err != nil {
		return fmt.Errorf("writing tar contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	t.Log.Debugf("copying %s to %s:%s", localPath, t.Container, t.Binary)
	err = t.API.CopyToContainer(ctx, t.Container, path.Dir(t.Binary), buf, types.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copying binary to container %q: %w", t.Container, err)
	}
	return nil
}

func (t *Transport) command(req transport.ProxyRequest) []string {
	argv := []string{t.Binary}
	argv = append(argv, t.GlobalArgs...)
	return append(argv, transport.ProxyArgs(req)...)
}

type result struct {
	code   int
	timeMS int64
	err    error
}

type proc struct {
	resultChan <-chan result
}

func (p *proc) Wait(ctx context.Context) (*transport.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.resultChan:
		return &transport.Result{ExitCode: res.code, TimeMS: res.timeMS}, res.err
	}
}

func (t *Transport) StartProxy(ctx context.Context, req transport.ProxyRequest) (transport.Process, error) {
	cfg := types.ExecConfig{
		User:         t.User,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Env:          t.Env,
		Cmd:          t.command(req),
	}
	created, err := t.API.ContainerExecCreate(ctx, t.Container, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", t.Container, err)
	}
	hijacked, err := t.API.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", created.ID, err)
	}
	start := time.Now()
	log := t.Log.With("ExecID", created.ID)

	if req.Stdin != nil {
		go func() {
			_, err := io.Copy(hijacked.Conn, req.Stdin)
			log.Debugw("done copying stdin", "Error", err)
			if err := hijacked.CloseWrite(); err != nil {
				log.Debugf("error closing exec stdin: %s", err)
			}
		}()
	}

	stdout := req.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := req.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	resultChan := make(chan result, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijacked.Reader)
		hijacked.Close()
		if req.Stdin != nil {
			transport.CloseStdin(req.Stdin)
		}
		if err != nil {
			log.Debugf("error demultiplexing exec output: %s", err)
		}
		code, err := t.exitCode(ctx, created.ID)
		resultChan <- result{code: code, timeMS: time.Since(start).Milliseconds(), err: err}
	}()

	return &proc{resultChan: resultChan}, nil
}

// exitCode polls the exec until it is no longer running.
func (t *Transport) exitCode(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		inspect, err := t.API.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec %q: %w", execID, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

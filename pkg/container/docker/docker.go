/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/moru-ai/worker/pkg/container"
)

// DefaultHost is the Docker daemon socket used when none is configured.
const DefaultHost = "unix:///var/run/docker.sock"

// Pull policies.
const (
	PullIfNotPresent = "if-not-present"
	PullAlways       = "always"
)

// apiClient is the subset of the Docker Engine API the backend uses.
type apiClient interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options dockercontainer.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options dockercontainer.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, container string, options dockercontainer.RemoveOptions) error
	Close() error
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for the backend.
func WithLogger(l logr.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithPullPolicy sets when images are pulled. Defaults to PullIfNotPresent.
func WithPullPolicy(policy string) Option {
	return func(b *Backend) { b.pullPolicy = policy }
}

// WithNetworkMode attaches task containers to the named network.
func WithNetworkMode(mode string) Option {
	return func(b *Backend) { b.networkMode = mode }
}

// WithResources limits memory (bytes) and CPU (nano CPUs) of task containers.
func WithResources(memoryBytes, nanoCPUs int64) Option {
	return func(b *Backend) {
		b.memory = memoryBytes
		b.nanoCPUs = nanoCPUs
	}
}

// Backend implements container.Backend on the Docker Engine API.
type Backend struct {
	api         apiClient
	log         logr.Logger
	pullPolicy  string
	networkMode string
	memory      int64
	nanoCPUs    int64
}

var _ container.Backend = (*Backend)(nil)

// New connects to the Docker daemon at host. An empty host uses DefaultHost.
// The API version is negotiated with the daemon.
func New(host string, opts ...Option) (*Backend, error) {
	if host == "" {
		host = DefaultHost
	} else if !strings.Contains(host, "://") {
		host = "unix://" + host
	}
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newBackend(cli, opts...), nil
}

func newBackend(api apiClient, opts ...Option) *Backend {
	b := &Backend{
		api:        api,
		log:        logr.Discard(),
		pullPolicy: PullIfNotPresent,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close releases the daemon connection.
func (b *Backend) Close() error {
	return b.api.Close()
}

// PullImage pulls ref unless it is already present and the policy allows reuse.
func (b *Backend) PullImage(ctx context.Context, ref string) error {
	if b.pullPolicy != PullAlways {
		_, _, err := b.api.ImageInspectWithRaw(ctx, ref)
		if err == nil {
			b.log.V(1).Info("image present, skipping pull", "image", ref)
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return &container.ImagePullError{Image: ref, Err: fmt.Errorf("inspecting image: %w", err)}
		}
	}

	b.log.Info("pulling image", "image", ref)
	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &container.ImagePullError{Image: ref, Err: err}
	}
	defer func() { _ = rc.Close() }()

	// The pull only completes once the progress stream is drained; errors
	// reported mid-stream surface here.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return &container.ImagePullError{Image: ref, Err: err}
	}
	return nil
}

// Create creates the container. A leftover container with the same name, from an
// earlier delivery of the same task, is force-removed and creation retried once.
func (b *Backend) Create(ctx context.Context, spec container.Spec) (container.Handle, error) {
	cfg := &dockercontainer.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(b.networkMode),
		Resources: dockercontainer.Resources{
			Memory:   b.memory,
			NanoCPUs: b.nanoCPUs,
		},
	}

	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && errdefs.IsConflict(err) {
		b.log.Info("removing stale container with same name", "container", spec.Name)
		if rmErr := b.api.ContainerRemove(ctx, spec.Name, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			return container.Handle{}, &container.StartError{Name: spec.Name, Err: errors.Join(err, rmErr)}
		}
		resp, err = b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return container.Handle{}, &container.StartError{Name: spec.Name, Err: fmt.Errorf("creating container: %w", err)}
	}
	for _, w := range resp.Warnings {
		b.log.Info("container create warning", "container", spec.Name, "warning", w)
	}
	return container.Handle{ID: resp.ID, Name: spec.Name}, nil
}

// Attach hijacks the container's output and demultiplexes stdout and stderr
// into a single stream.
func (b *Backend) Attach(ctx context.Context, h container.Handle) (io.ReadCloser, error) {
	resp, err := b.api.ContainerAttach(ctx, h.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, &container.StartError{Name: h.Name, Err: fmt.Errorf("attaching: %w", err)}
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		_ = pw.CloseWithError(err)
	}()
	return &attachedStream{PipeReader: pr, resp: resp}, nil
}

type attachedStream struct {
	*io.PipeReader
	resp types.HijackedResponse
}

func (s *attachedStream) Close() error {
	s.resp.Close()
	return s.PipeReader.Close()
}

// Start starts a created container.
func (b *Backend) Start(ctx context.Context, h container.Handle) error {
	if err := b.api.ContainerStart(ctx, h.ID, dockercontainer.StartOptions{}); err != nil {
		return &container.StartError{Name: h.Name, Err: err}
	}
	return nil
}

// Wait blocks until the container is no longer running.
func (b *Backend) Wait(ctx context.Context, h container.Handle) (int64, error) {
	statusCh, errCh := b.api.ContainerWait(ctx, h.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return -1, &container.RuntimeError{ExitCode: -1, Err: errors.New(resp.Error.Message)}
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return -1, &container.RuntimeError{ExitCode: -1, Err: err}
	case <-ctx.Done():
		return -1, &container.RuntimeError{ExitCode: -1, Err: ctx.Err()}
	}
}

// Remove force-removes the container together with its anonymous volumes.
func (b *Backend) Remove(ctx context.Context, h container.Handle) error {
	ref := h.ID
	if ref == "" {
		ref = h.Name
	}
	err := b.api.ContainerRemove(ctx, ref, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return &container.TeardownError{ID: ref, Err: err}
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

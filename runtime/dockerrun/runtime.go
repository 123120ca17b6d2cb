// Package dockerrun implements the container flotilla runtime. Each turn
// spawns a sibling container on the host Docker socket, runs the provider
// CLI inside it, and decodes the JSONL it writes to stdout into upstream
// messages. Injected tool servers are bridged to the container over HTTP.
//
// Every path handed to the daemon is a host path; the fleet process never
// forwards its own container-internal paths.
package dockerrun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/flotilla-dev/flotilla"
)

const (
	// containerWorkdir is where the agent sees its working directory.
	containerWorkdir = "/workspace"
	defaultNetwork   = "flotilla-agents"
	// stopTimeout bounds cleanup after cancellation.
	stopTimeout = 10 * time.Second
)

// dockerAPI is the slice of the Docker client the runtime needs. Satisfied
// by *client.Client; tests pass a fake.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// Options configures the container runtime.
type Options struct {
	// DefaultImage is used when an agent names no image.
	DefaultImage string
	// Network is the named network agents join unless their config names one.
	Network string
	// Env is appended to every container's environment (provider
	// credentials, endpoint overrides).
	Env    []string
	Logger *slog.Logger
}

// Runtime is the sibling-container Runtime implementation.
type Runtime struct {
	cli          dockerAPI
	defaultImage string
	network      string
	env          []string
	logger       *slog.Logger

	mu       sync.Mutex
	networks map[string]bool // networks already ensured
}

var _ flotilla.Runtime = (*Runtime)(nil)

// New connects to the host Docker daemon via the environment (DOCKER_HOST
// et al.) with API version negotiation.
func New(opts Options) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newWithClient(cli, opts), nil
}

func newWithClient(cli dockerAPI, opts Options) *Runtime {
	r := &Runtime{
		cli:          cli,
		defaultImage: opts.DefaultImage,
		network:      opts.Network,
		env:          opts.Env,
		logger:       opts.Logger,
		networks:     make(map[string]bool),
	}
	if r.network == "" {
		r.network = defaultNetwork
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "docker-runtime")
	return r
}

// Execute spawns one agent container and streams its output. Failures up to
// and including container start are init-phase and returned directly.
func (r *Runtime) Execute(ctx context.Context, req flotilla.ExecuteRequest) (flotilla.MessageStream, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("container runtime: agent is required")
	}
	name, err := containerName(req.Agent.Name, req.JobID)
	if err != nil {
		return nil, err
	}
	img := req.Agent.Docker.Image
	if img == "" {
		img = r.defaultImage
	}
	if img == "" {
		return nil, fmt.Errorf("container runtime: no image for agent %s", req.Agent.Name)
	}
	netName, err := r.agentNetwork(req.Agent)
	if err != nil {
		return nil, err
	}
	if err := r.ensureNetwork(ctx, netName); err != nil {
		return nil, err
	}

	var bridge *toolBridge
	if len(req.ToolServers) > 0 {
		bridge, err = newToolBridge(req.ToolServers, r.logger)
		if err != nil {
			return nil, err
		}
	}
	closeBridge := func() {
		if bridge != nil {
			bridge.close()
		}
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        buildAgentArgs(req),
		WorkingDir: containerWorkdir,
		Env:        r.containerEnv(req.Agent, bridge),
		Labels: map[string]string{
			"flotilla.agent": req.Agent.Name,
			"flotilla.job":   req.JobID,
		},
	}
	hostCfg, err := buildHostConfig(req.Agent, netName)
	if err != nil {
		closeBridge()
		return nil, err
	}

	id, err := r.createContainer(ctx, cfg, hostCfg, name)
	if err != nil {
		closeBridge()
		return nil, err
	}
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.removeContainer(id)
		closeBridge()
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.removeContainer(id)
		closeBridge()
		return nil, fmt.Errorf("attach logs %s: %w", name, err)
	}
	r.logger.Info("agent container started", "container", name, "image", img, "network", netName)

	runCtx, cancel := context.WithCancel(ctx)
	run := &containerRun{
		rt:     r,
		id:     id,
		name:   name,
		logs:   logs,
		bridge: bridge,
		ch:     make(chan flotilla.UpstreamMessage, 32),
	}
	go run.pump(runCtx)
	return &flotilla.ChanStream{
		Ch:    run.ch,
		ErrFn: run.err,
		CloseFn: func() error {
			cancel()
			run.cleanup()
			return nil
		},
	}, nil
}

// createContainer creates the container, pulling the image once when the
// daemon does not have it.
func (r *Runtime) createContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	r.logger.Info("pulling image", "image", cfg.Image)
	reader, pullErr := r.cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if pullErr != nil {
		return "", fmt.Errorf("pull image %s: %w", cfg.Image, pullErr)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()
	resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// agentNetwork picks the network for an agent. "none" is refused: the agent
// must reach the provider and the tool bridge.
func (r *Runtime) agentNetwork(agent *flotilla.AgentSpec) (string, error) {
	name := agent.Docker.Network
	if name == "" {
		name = r.network
	}
	if name == "none" {
		return "", fmt.Errorf("container runtime: network \"none\" is not usable for agent %s", agent.Name)
	}
	return name, nil
}

// ensureNetwork creates the named network once if the daemon lacks it.
func (r *Runtime) ensureNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	done := r.networks[name]
	r.mu.Unlock()
	if done {
		return nil
	}
	_, err := r.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if errdefs.IsNotFound(err) {
		_, err = r.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			return fmt.Errorf("create network %s: %w", name, err)
		}
		r.logger.Info("created agent network", "network", name)
	} else if err != nil {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	r.mu.Lock()
	r.networks[name] = true
	r.mu.Unlock()
	return nil
}

// containerEnv assembles the container environment: runtime-level entries,
// the host variables the agent config passes through, and the tool bridge
// address when tools are injected.
func (r *Runtime) containerEnv(agent *flotilla.AgentSpec, bridge *toolBridge) []string {
	env := append([]string(nil), r.env...)
	for _, key := range agent.Docker.EnvPassthrough {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if bridge != nil {
		env = append(env, "FLOTILLA_TOOL_SERVERS_URL="+bridge.containerURL())
	}
	return env
}

func (r *Runtime) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn("failed to remove container", "container", id, "error", err)
	}
}

// containerName derives the container name from the identifier-validated
// agent name and job ID.
func containerName(agent, jobID string) (string, error) {
	if !flotilla.ValidIdentifier(agent) {
		return "", fmt.Errorf("%w: agent name %q", flotilla.ErrPathTraversal, agent)
	}
	if jobID == "" {
		jobID = flotilla.NewJobID(time.Now())
	}
	if !flotilla.ValidIdentifier(jobID) {
		return "", fmt.Errorf("%w: job id %q", flotilla.ErrPathTraversal, jobID)
	}
	return "flotilla-" + agent + "-" + jobID, nil
}

// buildHostConfig applies the default hardening, then the agent's resource
// settings, then the static host-config override (which may relax the
// defaults; it is accepted from fleet configuration only).
func buildHostConfig(agent *flotilla.AgentSpec, netName string) (*container.HostConfig, error) {
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(netName),
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
	if agent.Docker.Memory != "" {
		bytes, err := units.RAMInBytes(agent.Docker.Memory)
		if err != nil {
			return nil, fmt.Errorf("agent %s: memory limit %q: %w", agent.Name, agent.Docker.Memory, err)
		}
		hostCfg.Resources.Memory = bytes
	}
	if agent.WorkingDirectory != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: agent.WorkingDirectory,
			Target: containerWorkdir,
		}}
	}
	if len(agent.Docker.HostConfigOverride) > 0 {
		if err := mergeHostConfig(hostCfg, agent.Docker.HostConfigOverride); err != nil {
			return nil, fmt.Errorf("agent %s: host_config override: %w", agent.Name, err)
		}
	}
	return hostCfg, nil
}

// mergeHostConfig overlays raw HostConfig JSON onto cfg. Fields present in
// the override replace the defaults; absent fields are left alone.
func mergeHostConfig(cfg *container.HostConfig, raw json.RawMessage) error {
	return json.Unmarshal(raw, cfg)
}

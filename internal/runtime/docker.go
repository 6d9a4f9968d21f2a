package runtime

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/alexos-labs/watchtower-agent/internal/faults"
)

// Client implements Adapter against a Docker daemon.
type Client struct {
	api *client.Client
}

// Verify Client implements Adapter at compile time.
var _ Adapter = (*Client)(nil)

// New connects to the daemon at the given endpoint: a unix socket path
// (the default /var/run/docker.sock) or a tcp:// URL.
func New(endpoint string) (*Client, error) {
	var opts []client.Opt

	if strings.HasPrefix(endpoint, "tcp://") {
		opts = append(opts, client.WithHost(endpoint))
	} else {
		sock := strings.TrimPrefix(endpoint, "unix://")
		opts = append(opts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, faults.Wrap(faults.RuntimeUnavailable, "connect daemon", err)
	}
	return &Client{api: api}, nil
}

// List returns summaries for all containers, running or not. Entries the
// daemon returns without an ID are reported as diagnostics rather than
// failing the whole listing.
func (c *Client) List(ctx context.Context) ([]Summary, []Diagnostic, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, nil, faults.FromRuntime("list containers", err)
	}

	summaries := make([]Summary, 0, len(result.Items))
	var diags []Diagnostic
	for _, item := range result.Items {
		if item.ID == "" {
			diags = append(diags, Diagnostic{
				Err: faults.New(faults.Internal, "daemon returned container without id"),
			})
			continue
		}
		summaries = append(summaries, Summary{
			ID:        item.ID,
			Name:      listedName(item),
			ImageRef:  item.Image,
			Status:    string(item.State),
			CreatedAt: time.Unix(item.Created, 0).UTC(),
			Labels:    item.Labels,
		})
	}
	return summaries, diags, nil
}

// Inspect returns the full recreation-grade view of one container,
// including the digest of the image it currently runs.
func (c *Client) Inspect(ctx context.Context, id string) (Details, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return Details{}, faults.FromRuntime("inspect container", err)
	}
	resp := result.Container

	d := Details{
		Summary: Summary{
			ID:        resp.ID,
			Name:      strings.TrimPrefix(resp.Name, "/"),
			CreatedAt: parseDaemonTime(resp.Created),
		},
	}

	if resp.State != nil {
		d.Status = string(resp.State.Status)
		d.Running = resp.State.Running
		d.Restarting = resp.State.Restarting
		d.StartedAt = parseDaemonTime(resp.State.StartedAt)
	}

	if resp.Config != nil {
		d.ImageRef = resp.Config.Image
		d.Labels = resp.Config.Labels
		d.Env = resp.Config.Env
		d.Cmd = append([]string(nil), resp.Config.Cmd...)
		d.Entrypoint = append([]string(nil), resp.Config.Entrypoint...)
		for port := range resp.Config.ExposedPorts {
			d.ExposedPorts = append(d.ExposedPorts, port.String())
		}
	}

	if resp.HostConfig != nil {
		d.Binds = resp.HostConfig.Binds
		d.NetworkMode = string(resp.HostConfig.NetworkMode)
		d.RestartPolicy = string(resp.HostConfig.RestartPolicy.Name)
	}

	if resp.NetworkSettings != nil {
		d.Ports = mappedPorts(resp.NetworkSettings.Ports)
	}

	// The image digest identifies the exact bits the container runs;
	// resp.Image is the image ID, resolvable even after the tag moves.
	if resp.Image != "" {
		digest, err := c.imageDigest(ctx, resp.Image)
		if err == nil {
			d.ImageDigest = digest
		}
	}

	return d, nil
}

// Pull fetches imageRef and returns the digest now behind it.
func (c *Client) Pull(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImagePull(ctx, imageRef, client.ImagePullOptions{})
	if err != nil {
		return "", pullFault(imageRef, err)
	}
	if err := resp.Wait(ctx); err != nil {
		return "", pullFault(imageRef, err)
	}
	digest, err := c.imageDigest(ctx, imageRef)
	if err != nil {
		return "", faults.FromRuntime("resolve pulled digest", err)
	}
	return digest, nil
}

// pullFault classifies a pull failure. Anything that is not an auth or
// missing-image problem counts as the registry being unreachable.
func pullFault(imageRef string, err error) error {
	switch {
	case cerrdefs.IsUnauthorized(err):
		return faults.Wrap(faults.AuthRequired, "pull "+imageRef, err)
	case cerrdefs.IsNotFound(err):
		return faults.Wrap(faults.NotFound, "pull "+imageRef, err)
	case cerrdefs.IsDeadlineExceeded(err):
		return faults.Wrap(faults.Timeout, "pull "+imageRef, err)
	default:
		return faults.Wrap(faults.RegistryUnreachable, "pull "+imageRef, err)
	}
}

// imageDigest returns the repo digest of a local image, falling back to
// the image ID when the image was never pushed or pulled by digest.
func (c *Client) imageDigest(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", err
	}
	if len(resp.RepoDigests) > 0 {
		return resp.RepoDigests[0], nil
	}
	return resp.ID, nil
}

// Stop stops a container, giving it grace to exit before the daemon
// kills it. Stopping an already-stopped container succeeds.
func (c *Client) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &secs})
	if err != nil && cerrdefs.IsNotModified(err) {
		return nil
	}
	return faults.FromRuntime("stop container", err)
}

// Start starts a stopped container. Starting a running one succeeds.
func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	if err != nil && cerrdefs.IsNotModified(err) {
		return nil
	}
	return faults.FromRuntime("start container", err)
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, id string) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{})
	return faults.FromRuntime("restart container", err)
}

// Create creates a container from spec and returns its ID.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.ImageRef,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	cfg.Cmd = append(cfg.Cmd, spec.Cmd...)
	cfg.Entrypoint = append(cfg.Entrypoint, spec.Entrypoint...)

	exposed, bindings, err := specPorts(spec)
	if err != nil {
		return "", err
	}
	if len(exposed) > 0 {
		cfg.ExposedPorts = exposed
	}

	hostCfg := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}
	if len(bindings) > 0 {
		hostCfg.PortBindings = bindings
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       spec.Name,
		Config:     cfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", faults.FromRuntime("create container", err)
	}
	return resp.ID, nil
}

// Remove removes a container. Removing a missing container succeeds.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force})
	if err != nil && cerrdefs.IsNotFound(err) {
		return nil
	}
	return faults.FromRuntime("remove container", err)
}

// RemoveImage removes an image, pruning untagged children. Missing or
// still-referenced images are not errors: cleanup is best-effort.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.api.ImageRemove(ctx, ref, client.ImageRemoveOptions{PruneChildren: true})
	if err != nil && (cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)) {
		return nil
	}
	return faults.FromRuntime("remove image", err)
}

// Images lists tagged images on the host.
func (c *Client) Images(ctx context.Context) ([]Image, error) {
	result, err := c.api.ImageList(ctx, client.ImageListOptions{All: false})
	if err != nil {
		return nil, faults.FromRuntime("list images", err)
	}
	images := make([]Image, 0, len(result.Items))
	for _, img := range result.Items {
		images = append(images, Image{
			ID:        img.ID,
			Tags:      img.RepoTags,
			CreatedAt: time.Unix(img.Created, 0).UTC(),
			Size:      img.Size,
		})
	}
	return images, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return faults.FromRuntime("ping daemon", err)
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.api.Close()
}

// mappedPorts flattens the daemon's port map into the adapter's
// serializable form.
func mappedPorts(ports network.PortMap) []PortMapping {
	var out []PortMapping
	for port, bindings := range ports {
		for _, b := range bindings {
			m := PortMapping{
				HostPort:      b.HostPort,
				ContainerPort: port.String(),
			}
			if b.HostIP.IsValid() {
				m.HostIP = b.HostIP.String()
			}
			out = append(out, m)
		}
	}
	return out
}

// specPorts converts a creation spec's port strings into the daemon's
// port types. A value that does not parse means the inspect snapshot
// cannot be reproduced.
func specPorts(spec CreateSpec) (network.PortSet, network.PortMap, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}
	for _, p := range spec.Ports {
		port, err := network.ParsePort(p.ContainerPort)
		if err != nil {
			return nil, nil, faults.Wrap(faults.ConfigNotReplicable, "port "+p.ContainerPort, err)
		}
		binding := network.PortBinding{HostPort: p.HostPort}
		if p.HostIP != "" {
			addr, err := netip.ParseAddr(p.HostIP)
			if err != nil {
				return nil, nil, faults.Wrap(faults.ConfigNotReplicable, "host ip "+p.HostIP, err)
			}
			binding.HostIP = addr
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], binding)
	}
	for _, e := range spec.ExposedPorts {
		port, err := network.ParsePort(e)
		if err != nil {
			return nil, nil, faults.Wrap(faults.ConfigNotReplicable, "exposed port "+e, err)
		}
		exposed[port] = struct{}{}
	}
	return exposed, bindings, nil
}

// listedName picks the primary name from a listing entry, stripping the
// leading slash the daemon prepends.
func listedName(item container.Summary) string {
	if len(item.Names) > 0 {
		return strings.TrimPrefix(item.Names[0], "/")
	}
	if len(item.ID) > 12 {
		return item.ID[:12]
	}
	return item.ID
}

// parseDaemonTime parses the RFC3339Nano timestamps the daemon emits,
// returning the zero time for empty or unset values.
func parseDaemonTime(s string) time.Time {
	if s == "" || strings.HasPrefix(s, "0001-") {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

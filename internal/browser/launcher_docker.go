package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
)

const (
	devtoolsPort  nat.Port = "3000/tcp"
	managedByName          = "webmcp-broker"
)

// DockerConfig controls containerized browsers.
type DockerConfig struct {
	Image  string
	Driver DriverOptions
}

// DockerLauncher runs one browserless/chrome container per instance.
type DockerLauncher struct {
	client *client.Client
	cfg    DockerConfig
	logger *logging.Logger
	ready  *retryablehttp.Client
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(cfg DockerConfig, logger *logging.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "browserless/chrome:latest"
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ready := retryablehttp.NewClient()
	ready.Logger = nil
	ready.RetryMax = 20
	ready.RetryWaitMin = 250 * time.Millisecond
	ready.RetryWaitMax = 500 * time.Millisecond

	return &DockerLauncher{
		client: cli,
		cfg:    cfg,
		logger: logger.Named("docker"),
		ready:  ready,
	}, nil
}

// EnsureImage pulls the browser image when it is not present locally.
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.cfg.Image {
				return nil
			}
		}
	}

	l.logger.Info("pulling browser image", zap.String("image", l.cfg.Image))
	reader, err := l.client.ImagePull(ctx, l.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *DockerLauncher) Launch(ctx context.Context) (Driver, error) {
	name := "broker-" + uuid.NewString()[:8]

	containerConfig := &container.Config{
		Image: l.cfg.Image,
		Labels: map[string]string{
			"managed-by": managedByName,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
		// Profiles live in memory and vanish with the container.
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
			},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	remove := func() error { return l.stop(resp.ID) }

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = remove()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = remove()
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		_ = remove()
		return nil, fmt.Errorf("container %s exposes no devtools port", name)
	}
	port := bindings[0].HostPort

	if err := l.waitForBrowserReady(ctx, port); err != nil {
		_ = remove()
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	controlURL := fmt.Sprintf("ws://127.0.0.1:%s", port)
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		_ = remove()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	d, err := newRodDriver(b, controlURL, l.cfg.Driver, remove)
	if err != nil {
		return nil, err
	}
	l.logger.Info("browser container started", zap.String("container", name), zap.String("port", port))
	return d, nil
}

func (l *DockerLauncher) stop(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	timeout := 10
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		l.logger.Warn("failed to stop container", zap.String("container", containerID), zap.Error(err))
	}
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls /json/version until the devtools endpoint answers.
func (l *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%s/json/version", port), nil)
	if err != nil {
		return err
	}
	resp, err := l.ready.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools endpoint returned %d", resp.StatusCode)
	}
	return nil
}

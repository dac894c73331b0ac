// Package envoy runs an Envoy container whose ext_proc filter calls back into a processor listening on the host.
package envoy

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	_ "embed"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultImage is the Envoy image used when Run is given an empty image.
	DefaultImage = "envoyproxy/envoy:v1.32.2"

	listenerPort = "10000/tcp"
	adminPort    = "9901/tcp"

	// UpstreamPort and ExtProcPort are the host ports the bundled configuration sends traffic to.
	UpstreamPort = 8080
	ExtProcPort  = 8081
)

//go:embed envoy.yml
var config []byte

// Config returns the bundled Envoy configuration: one listener on 10000 that runs the ext_proc filter against
// host port 8081 and routes to an upstream on host port 8080.
func Config() []byte {
	return bytes.Clone(config)
}

type Container struct {
	testcontainers.Container
}

func Run(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*Container, error) {
	req := testcontainers.ContainerRequest{
		Image: img,
	}

	genericContainerReq := testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	}

	for _, opt := range opts {
		if err := opt.Customize(&genericContainerReq); err != nil {
			return nil, fmt.Errorf("customize: %w", err)
		}
	}

	container, err := testcontainers.GenericContainer(ctx, genericContainerReq)
	var ctr *Container
	if container != nil {
		ctr = &Container{Container: container}
	}
	if err != nil {
		return ctr, fmt.Errorf("could not create generic container: %w", err)
	}
	return ctr, nil
}

type TestContainer struct {
	*Container
	overrides    testcontainers.GenericContainerRequest
	waitStrategy wait.Strategy
	url          *url.URL
}

func NewTestContainer(opts ...TestContainerOption) *TestContainer {
	c := &TestContainer{}
	for _, opt := range opts {
		opt(c)
	}

	if len(c.overrides.Files) == 0 {
		WithFiles(testcontainers.ContainerFile{
			ContainerFilePath: "/etc/envoy/envoy.yml",
			Reader:            bytes.NewReader(config),
			FileMode:          0o644,
		})(c)
	}

	if len(c.overrides.Entrypoint) == 0 {
		WithEntrypoint("/usr/local/bin/envoy", "--log-level", "warn", "-c", "/etc/envoy/envoy.yml")(c)
	}

	if len(c.overrides.ExposedPorts) == 0 {
		WithExposedPorts(listenerPort, adminPort)(c)
	}

	if len(c.overrides.HostAccessPorts) == 0 {
		WithHostAccessPorts(UpstreamPort, ExtProcPort)(c)
	}

	if c.waitStrategy == nil {
		WithWaitStrategy(wait.ForHTTP("/ready").WithPort(adminPort))(c)
	}
	return c
}

type TestContainerOption func(*TestContainer)

func WithFiles(files ...testcontainers.ContainerFile) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.Files = append(c.overrides.Files, files...)
	}
}

// WithConfig replaces the bundled Envoy configuration.
func WithConfig(envoyYAML []byte) TestContainerOption {
	return WithFiles(testcontainers.ContainerFile{
		ContainerFilePath: "/etc/envoy/envoy.yml",
		Reader:            bytes.NewReader(envoyYAML),
		FileMode:          0o644,
	})
}

func WithEntrypoint(entrypoint ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.Entrypoint = entrypoint
	}
}

func WithExposedPorts(ports ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.ExposedPorts = ports
	}
}

func WithHostAccessPorts(ports ...int) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.HostAccessPorts = ports
	}
}

func WithExtraHosts(hosts ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.ExtraHosts = hosts
	}
}

func WithWaitStrategy(strategy wait.Strategy) TestContainerOption {
	return func(c *TestContainer) {
		c.waitStrategy = strategy
	}
}

// Run starts the container and returns the URL of the Envoy listener.
func (c *TestContainer) Run(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*url.URL, error) {
	if img == "" {
		img = DefaultImage
	}
	for _, opt := range opts {
		if err := opt.Customize(&c.overrides); err != nil {
			return nil, fmt.Errorf("customize: %w", err)
		}
	}
	c.overrides.WaitingFor = c.waitStrategy

	ctr, err := Run(ctx, img, testcontainers.CustomizeRequest(c.overrides))
	c.Container = ctr
	if err != nil {
		return nil, fmt.Errorf("could not run container: %w", err)
	}

	hostIP, err := ctr.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get host ip: %w", err)
	}

	mappedPort, err := ctr.MappedPort(ctx, listenerPort)
	if err != nil {
		return nil, fmt.Errorf("could not get mapped port: %w", err)
	}

	rawURL := fmt.Sprintf("http://%s:%s", hostIP, mappedPort.Port())
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	c.url = u
	return u, nil
}

// URL returns the URL of the Envoy listener once Run succeeded.
func (c *TestContainer) URL() *url.URL {
	return c.url
}

package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/telemetry"
)

// InstanceAPI lists and deletes instances.
type InstanceAPI interface {
	ListInstancesOnHost(ctx context.Context, host string) ([]engine.Instance, error)
	DeleteInstance(ctx context.Context, uuid string) error
}

// HostDisabler stops scheduling on a host.
type HostDisabler interface {
	DisableHost(ctx context.Context, host string) error
}

// Metrics receives fleet call outcomes.
type Metrics interface {
	RecordFleetCall(operation string, duration time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordFleetCall(string, time.Duration, error) {}

// Client composes an instance API and a host disabler into an
// engine.FleetClient, recording every call.
type Client struct {
	instances InstanceAPI
	disabler  HostDisabler
	metrics   Metrics
	logger    zerolog.Logger
}

// NewClient composes a fleet client. A nil metrics records nothing.
func NewClient(instances InstanceAPI, disabler HostDisabler, metrics Metrics, logger zerolog.Logger) *Client {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Client{instances: instances, disabler: disabler, metrics: metrics, logger: logger}
}

// New builds the client described by cfg: the compute API for instances,
// and the API or nova-manage over SSH for disabling hosts.
func New(cfg Config, metrics Metrics, logger zerolog.Logger, opts ...ComputeOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compute, err := NewComputeClient(cfg, append([]ComputeOption{WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}

	var disabler HostDisabler
	switch cfg.DisableVia {
	case DisableViaSSH:
		disabler = NewSSHHostDisabler(cfg, nil, logger)
	case DisableViaAPI, "":
		disabler = compute
	default:
		return nil, fmt.Errorf("unknown disable_via %q", cfg.DisableVia)
	}
	return NewClient(compute, disabler, metrics, logger), nil
}

// call runs one fleet operation under a span and records its outcome.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	inst := telemetry.StartOperation(ctx, "fleet."+op, attrs...)
	err := fn(inst.Ctx)
	c.metrics.RecordFleetCall(op, inst.Timer.Duration(), err)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("Fleet call failed")
	}
	inst.End(err)
	return err
}

// DisableHost implements engine.FleetClient.
func (c *Client) DisableHost(ctx context.Context, host string) error {
	return c.call(ctx, "disable_host", func(ctx context.Context) error {
		return c.disabler.DisableHost(ctx, host)
	}, telemetry.AttrHost.String(host))
}

// ListInstancesOnHost implements engine.FleetClient.
func (c *Client) ListInstancesOnHost(ctx context.Context, host string) ([]engine.Instance, error) {
	var out []engine.Instance
	err := c.call(ctx, "list_instances", func(ctx context.Context) error {
		var err error
		out, err = c.instances.ListInstancesOnHost(ctx, host)
		return err
	}, telemetry.AttrHost.String(host))
	return out, err
}

// DeleteInstance implements engine.FleetClient.
func (c *Client) DeleteInstance(ctx context.Context, uuid string) error {
	return c.call(ctx, "delete_instance", func(ctx context.Context) error {
		return c.instances.DeleteInstance(ctx, uuid)
	}, telemetry.AttrInstance.String(uuid))
}

// ListInstancesInGroup implements engine.GroupLister when the instance API
// can list groups.
func (c *Client) ListInstancesInGroup(ctx context.Context, groupID string) ([]engine.Instance, error) {
	lister, ok := c.instances.(engine.GroupLister)
	if !ok {
		return nil, fmt.Errorf("instance API cannot list HA groups")
	}
	var out []engine.Instance
	err := c.call(ctx, "list_group", func(ctx context.Context) error {
		var err error
		out, err = lister.ListInstancesInGroup(ctx, groupID)
		return err
	})
	return out, err
}

// pinger is implemented by instance APIs with a cheap reachability check.
type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that the instance API answers. APIs without a check pass.
func (c *Client) Ping(ctx context.Context) error {
	p, ok := c.instances.(pinger)
	if !ok {
		return nil
	}
	return c.call(ctx, "ping", p.Ping)
}

var (
	_ engine.FleetClient = (*Client)(nil)
	_ engine.GroupLister = (*Client)(nil)
)

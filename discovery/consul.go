package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/consul/api"
	"github.com/lcx/kin/log"
)

// ConsulCfg selects the service whose healthy instances are dialled.
type ConsulCfg struct {
	Address    string `mapstructure:"address"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	Service    string `mapstructure:"service"`
	Tag        string `mapstructure:"tag"`
}

// GetName returns the configuration name for ConsulCfg
func (c *ConsulCfg) GetName() string {
	return "kin_discovery"
}

// Validate validates the ConsulCfg parameters
func (c *ConsulCfg) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("Service cannot be empty")
	}
	return nil
}

// ConsulResolver resolves a service through the Consul health API, rotating
// over the passing instances.
type ConsulResolver struct {
	cfg    ConsulCfg
	health *api.Health
	next   atomic.Uint64
}

// NewConsulResolver connects to the agent named by cfg.Address, empty uses the consul default.
func NewConsulResolver(cfg ConsulCfg) (*ConsulResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ac := api.DefaultConfig()
	if cfg.Address != "" {
		ac.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		ac.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		ac.Token = cfg.Token
	}
	client, err := api.NewClient(ac)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulResolver{cfg: cfg, health: client.Health()}, nil
}

// Resolve returns host:port of the next passing instance.
func (r *ConsulResolver) Resolve(ctx context.Context) (string, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.health.Service(r.cfg.Service, r.cfg.Tag, true, q)
	if err != nil {
		return "", fmt.Errorf("consul health %s: %w", r.cfg.Service, err)
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	if len(addrs) == 0 {
		log.Warn().Str("service", r.cfg.Service).Msg("no passing instance")
		return "", fmt.Errorf("%w: service %s", ErrNoEndpoint, r.cfg.Service)
	}
	i := r.next.Add(1) - 1
	return addrs[i%uint64(len(addrs))], nil
}

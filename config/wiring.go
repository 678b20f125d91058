package config

import (
	"stacker/client"
	"stacker/codec"
	"stacker/common"
	"stacker/loadbalance"
	"stacker/registry"
)

// OpenRegistry connects to etcd when endpoints are configured. It returns
// a nil Registry and a no-op close func otherwise.
func (r RegistryConfig) OpenRegistry() (registry.Registry, func() error, error) {
	if len(r.Endpoints) == 0 {
		return nil, func() error { return nil }, nil
	}
	reg, err := registry.NewEtcdRegistry(r.Endpoints, r.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

// ClientOptions translates the client section. reg may be nil; it is used
// only when no address is configured.
func (c *Config) ClientOptions(reg registry.Registry, cm *common.Common) ([]client.Option, error) {
	ct, err := codec.ParseCodecType(c.Client.Codec)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithName(c.Client.Name),
		client.WithCodec(ct),
		client.WithHeartbeat(c.Client.Heartbeat),
		client.WithRemoteMsgs(c.Client.PrintRemoteMsgs),
		client.WithRetryPolicy(client.RetryPolicy{
			MaxAttempts: c.Client.Retry.MaxAttempts,
			Base:        c.Client.Retry.Base,
			After4:      c.Client.Retry.After4,
			After10:     c.Client.Retry.After10,
		}),
		client.WithCommon(cm),
	}
	if c.Client.Addr != "" {
		opts = append(opts, client.WithAddr(c.Client.Addr))
	} else if reg != nil {
		bal, err := loadbalance.New(c.Client.Balancer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRegistry(reg, c.Registry.Service, bal))
	}
	return opts, nil
}

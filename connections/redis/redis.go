// Package redis is a connection backed by a go-redis client.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
)

// Name is the catalog key.
const Name = "redis"

const defaultPingTimeout = 5 * time.Second

// Conn holds one client. Settings come from the instance config first and
// then the global config: "url" (redis://...) or "addr"/"password"/"db",
// plus "dial_timeout" and "ping_timeout" as Go durations.
type Conn struct {
	connection.Base
	client *redis.Client
}

// New is the connection factory.
func New(cfg, global modconfig.Config) (connection.Connection, error) {
	return &Conn{Base: connection.NewBase(Name, cfg, global)}, nil
}

func (c *Conn) value(key string) (any, bool) {
	if v, ok := modconfig.Get(c.Config(), key); ok {
		return v, true
	}
	return modconfig.Get(c.GlobalConfig(), key)
}

func (c *Conn) str(key string) string {
	v, _ := c.value(key)
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func (c *Conn) options() (*redis.Options, error) {
	var opts *redis.Options
	if u := c.str("url"); u != "" {
		parsed, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		opts = parsed
	} else {
		addr := c.str("addr")
		if addr == "" {
			return nil, errors.New("redis: url or addr is required")
		}
		opts = &redis.Options{Addr: addr, Password: c.str("password")}
		if v, ok := c.value("db"); ok {
			switch n := v.(type) {
			case float64:
				opts.DB = int(n)
			case int:
				opts.DB = n
			case int64:
				opts.DB = int(n)
			default:
				return nil, fmt.Errorf("redis: db must be a number, got %T", v)
			}
		}
	}
	dial, err := config.ParseDurationField("redis.dial_timeout", c.str("dial_timeout"))
	if err != nil {
		return nil, err
	}
	if dial > 0 {
		opts.DialTimeout = dial
	}
	return opts, nil
}

// Connect builds the client and pings the server.
func (c *Conn) Connect(ctx context.Context) error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	timeout, err := config.ParseDurationField("redis.ping_timeout", c.str("ping_timeout"))
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = defaultPingTimeout
	}

	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	c.client = client
	return nil
}

// Client is the connected client, or nil before Connect succeeds.
func (c *Conn) Client() *redis.Client { return c.client }

func (c *Conn) Disconnect(context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

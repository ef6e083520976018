package main

import (
	"github.com/NexusSwitchboard/nexus-core/connections/redis"
	"github.com/NexusSwitchboard/nexus-core/connections/webhook"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	"github.com/NexusSwitchboard/nexus-core/modules/heartbeat"
)

// Modules and connections compiled into this binary. Adding one is a New()
// plus a catalog entry.
func moduleCatalog() module.Catalog {
	c := module.Catalog{}
	c.Add(heartbeat.Name, heartbeat.New)
	return c
}

func connectionCatalog() connection.Catalog {
	c := connection.Catalog{}
	c.Add(webhook.Name, webhook.New)
	c.Add(redis.Name, redis.New)
	return c
}

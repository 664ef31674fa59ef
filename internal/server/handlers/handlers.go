// Package handlers implements the developer-facing ingress endpoints: the
// function URL surface, the direct Invoke API, and the diagnostics routes.
package handlers

import (
	"github.com/kldeb/lambdev/internal/config"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/server/invlog"
	"github.com/kldeb/lambdev/internal/supervisor"
)

type Handlers struct {
	cfg   *config.Config
	reg   *registry.Registry
	table *invoke.Table
	sup   *supervisor.Supervisor
	logs  *invlog.Store
}

func New(cfg *config.Config, reg *registry.Registry, table *invoke.Table, sup *supervisor.Supervisor, logs *invlog.Store) *Handlers {
	return &Handlers{
		cfg:   cfg,
		reg:   reg,
		table: table,
		sup:   sup,
		logs:  logs,
	}
}

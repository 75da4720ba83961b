package app

import (
	"github.com/bdobrica/drydock/internal/drydock/audit"
	"github.com/bdobrica/drydock/internal/drydock/lock"
	"github.com/bdobrica/drydock/internal/drydock/logtail"
	"github.com/bdobrica/drydock/internal/drydock/store"
)

func (a *App) Store() *store.Store   { return a.store }
func (a *App) Locks() *lock.SQLStore { return a.locks }
func (a *App) Hub() *logtail.Hub     { return a.hub }

func (a *App) SetNotifier(n audit.Notifier) { a.notifier = n }

var (
	BuildEvent = buildEvent
	DeathEvent = deathEvent
)

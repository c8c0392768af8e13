package app

import (
	"log/slog"
	"os"

	"github.com/shandysiswandi/notifyd/internal/notification"
)

func (a *App) initModules() {
	if !a.config.GetBool("modules.notification.enabled") {
		return
	}

	module, err := notification.New(notification.Dependency{
		Ctx:        a.ctx,
		Config:     a.config,
		Instrument: a.ins,
		UID:        a.uid,
		UUID:       a.uuid,
		Clock:      a.clock,
		Goroutine:  a.goroutine,
		Validator:  a.validator,
		Router:     a.router,
		Messaging:  a.messaging,
		Ledger:     a.ledger,
		Storage:    a.storage,
		Mail:       a.mail,
		Registry:   a.registry,
	})
	if err != nil {
		slog.Error("failed to init module notification", "error", err)
		os.Exit(1)
	}
	a.notification = module
}

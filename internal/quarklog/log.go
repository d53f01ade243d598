// Package quarklog centralizes the btclog/v2 logger wiring shared by every
// Quark package, mirroring the sub-logger convention used throughout lnd and
// visible in this codebase's internal/build package. Each package declares
// its own package-level `log` variable and hands quarklog a setter for it
// through Register; SetRoot carves a per-tag sub-logger out of the root
// and passes it to every registered setter.
package quarklog

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// mu guards subsystems.
var mu sync.Mutex

// subsystems records every tag handed to Register along with the setter
// that updates that package's `log` variable, so SetRoot can push a
// newly-constructed backend out to packages that registered before the
// backend existed (every package does, since imports run before main).
var subsystems = map[string]func(btclog.Logger){}

// Register records a subsystem tag and the setter that updates that
// package's `log` variable. Every Quark package follows the same pattern:
//
//	var log btclog.Logger = btclog.Disabled
//
//	func init() {
//		quarklog.Register("ACTR", func(l btclog.Logger) { log = l })
//	}
//
// The package logs nothing until a binary calls SetRoot.
func Register(tag string, set func(btclog.Logger)) {
	mu.Lock()
	defer mu.Unlock()

	subsystems[tag] = set
}

// SetRoot fans a newly configured root logger out to every subsystem that
// has registered so far via Register, carving out a per-tag logger with
// SubSystem the way lnd's UseLogger wiring does. cmd/quarkd calls this once
// during startup after building the handler set (console + rotating file,
// see internal/build's HandlerSet).
func SetRoot(l btclog.Logger) {
	mu.Lock()
	defer mu.Unlock()

	for tag, set := range subsystems {
		set(l.SubSystem(tag))
	}
}

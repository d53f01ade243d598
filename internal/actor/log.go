package actor

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/quarklog"
)

// log is this package's subsystem logger. It logs nothing until a binary
// calls quarklog.SetRoot; tests run with it disabled.
var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("ACTR", func(l btclog.Logger) { log = l })
}

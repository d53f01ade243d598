package reminder

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/quarklog"
)

// log is this package's subsystem logger.
var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("RMND", func(l btclog.Logger) { log = l })
}

package adminrpc

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/quarklog"
)

var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("ADMN", func(l btclog.Logger) { log = l })
}

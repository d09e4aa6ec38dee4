package natmap

import "github.com/hlandau/xlog"

var log, Log = xlog.NewQuiet("natmap")

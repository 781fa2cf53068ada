package signal

import (
	"time"

	"github.com/dkeye/Ring/internal/app/orch"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/metrics"
)

// Options tune a single websocket connection.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
	InboxSize  int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		InboxSize:  cfg.InboxSize,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 32
	}
	return o
}

// pongWait is how long a peer may stay silent before it is dropped.
func (o Options) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

type SignalWSController struct {
	Dispatcher *orch.Dispatcher
	Metrics    *metrics.Metrics
	Options    Options
}

func NewSignalWSController(d *orch.Dispatcher, m *metrics.Metrics, opts Options) *SignalWSController {
	return &SignalWSController{
		Dispatcher: d,
		Metrics:    m,
		Options:    opts.withDefaults(),
	}
}

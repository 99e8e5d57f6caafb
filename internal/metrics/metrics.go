// Package metrics defines the prometheus collectors for the console pool
// and handler. All methods are safe on a nil *Collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the irongate metrics. Instances are independent so tests
// can register them on private registries.
type Collectors struct {
	Connects        *prometheus.CounterVec
	Probes          *prometheus.CounterVec
	Pooled          prometheus.Gauge
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PlayersOnline   *prometheus.GaugeVec
	PlayerLimit     *prometheus.GaugeVec
}

// New builds unregistered collectors.
func New() *Collectors {
	return &Collectors{
		Connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irongate_rcon_connects_total",
				Help: "RCON connect attempts by result and failure kind",
			},
			[]string{"result", "kind"},
		),
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irongate_rcon_probes_total",
				Help: "Liveness probes of pooled sessions by outcome",
			},
			[]string{"outcome"},
		),
		Pooled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "irongate_rcon_pooled_sessions",
				Help: "Authenticated sessions currently held by the pool",
			},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irongate_console_commands_total",
				Help: "Console commands issued by command and result",
			},
			[]string{"command", "result"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "irongate_console_command_duration_seconds",
				Help:    "Round trip time of console commands including pool checkout",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		PlayersOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "irongate_players_online",
				Help: "Players reported online by the last successful list",
			},
			[]string{"server"},
		),
		PlayerLimit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "irongate_players_max",
				Help: "Player slots reported by the last successful list",
			},
			[]string{"server"},
		),
	}
}

// Register adds every collector to r.
func (c *Collectors) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.Connects, c.Probes, c.Pooled, c.Commands, c.CommandDuration, c.PlayersOnline, c.PlayerLimit,
	} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collectors) ObserveConnect(ok bool, kind string) {
	if c == nil {
		return
	}
	if ok {
		c.Connects.WithLabelValues("success", "").Inc()
		return
	}
	c.Connects.WithLabelValues("failure", kind).Inc()
}

func (c *Collectors) ObserveProbe(alive bool) {
	if c == nil {
		return
	}
	outcome := "dead"
	if alive {
		outcome = "alive"
	}
	c.Probes.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SetPooled(n int) {
	if c == nil {
		return
	}
	c.Pooled.Set(float64(n))
}

// ObserveCommand records one command. command is the verb only, never the
// arguments, to keep label cardinality bounded.
func (c *Collectors) ObserveCommand(command string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.Commands.WithLabelValues(command, result).Inc()
	c.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (c *Collectors) SetPlayersOnline(server string, n int) {
	if c == nil {
		return
	}
	c.PlayersOnline.WithLabelValues(server).Set(float64(n))
}

func (c *Collectors) SetPlayerLimit(server string, n int) {
	if c == nil {
		return
	}
	c.PlayerLimit.WithLabelValues(server).Set(float64(n))
}

package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/jfmyers9/deadair/internal/broadcast"
	"github.com/jfmyers9/deadair/internal/supervisor"
	"github.com/rs/zerolog"
)

// errBroadcastDown is returned when the broadcast app is not running
var errBroadcastDown = errors.New("broadcast app not running")

// StreamClient is the protocol-level control connection to the broadcast
// app. *broadcast.Controller satisfies it.
type StreamClient interface {
	Connected() bool
	StreamStatus(ctx context.Context) (broadcast.StreamStatus, error)
	StopStream(ctx context.Context) error
	Close()
}

// CommandProber issues a liveness request to the broadcast app at a regular
// interval. Every answered request counts as a processed control command.
type CommandProber struct {
	stream   StreamClient
	table    supervisor.ProcessTable
	name     string
	interval time.Duration
	logger   zerolog.Logger
}

// NewCommandProber creates a prober. stream may be nil, in which case the
// process table is asked whether the app named name is alive.
func NewCommandProber(stream StreamClient, table supervisor.ProcessTable, name string, interval time.Duration, logger zerolog.Logger) *CommandProber {
	return &CommandProber{
		stream:   stream,
		table:    table,
		name:     name,
		interval: interval,
		logger:   logger.With().Str("component", "prober").Logger(),
	}
}

// Run probes at the configured interval, calling onAnswer after each
// successful probe. Blocks until ctx is cancelled.
func (p *CommandProber) Run(ctx context.Context, onAnswer func()) error {
	p.logger.Info().
		Dur("interval", p.interval).
		Bool("websocket", p.stream != nil).
		Msg("Starting command prober")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Probe immediately on start
	p.poll(ctx, onAnswer)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Command prober stopped")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, onAnswer)
		}
	}
}

func (p *CommandProber) poll(ctx context.Context, onAnswer func()) {
	if err := p.Probe(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("Broadcast app did not answer")
		return
	}
	onAnswer()
}

// Probe performs a single liveness request
func (p *CommandProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	if p.stream != nil {
		status, err := p.stream.StreamStatus(ctx)
		if err != nil {
			return err
		}
		p.logger.Debug().
			Bool("active", status.Active).
			Bool("reconnecting", status.Reconnecting).
			Msg("Stream status")
		return nil
	}

	if p.table == nil {
		return errBroadcastDown
	}
	alive, err := p.table.IsRunning(ctx, p.name)
	if err != nil {
		return err
	}
	if !alive {
		return errBroadcastDown
	}
	return nil
}

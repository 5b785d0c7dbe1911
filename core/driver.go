package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DriverState is one of the five states of §4.9's lifecycle state machine.
type DriverState int32

const (
	DriverInit DriverState = iota
	DriverRunning
	DriverIdle
	DriverDraining
	DriverTerminated
)

func (s DriverState) String() string {
	switch s {
	case DriverInit:
		return "Init"
	case DriverRunning:
		return "Running"
	case DriverIdle:
		return "Idle"
	case DriverDraining:
		return "Draining"
	case DriverTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// PipelineDriverConfig wires together one complete pipeline: a single
// extractor, the decode/route/sink chain, and the durable state the cycle
// loop commits to (§4.9 startup steps 3-7, §6 Configuration).
type PipelineDriverConfig struct {
	Extractor  Extractor
	DecoderHub *DecoderHub
	Router     *ContractRouter
	SinkHost   *SinkHost
	Store      StateStore
	Bus        *SubscriptionBus
	Metrics    *Metrics

	CycleInterval     time.Duration
	EventsPerCycleCap int
	ShutdownTimeout   time.Duration
}

// PipelineDriver is the cycle loop of §4.9: extract -> decode -> sink ->
// commit cursor, owning lifecycle and shutdown.
type PipelineDriver struct {
	cfg    PipelineDriverConfig
	cursor string
	head   HeadState
	state  atomic.Int32
	log    *logrus.Entry
}

// NewPipelineDriver builds a driver and loads its starting cursor/head from
// cfg.Store (§4.9 startup steps 7 — "load starting cursor from StateStore
// (or use configured from_block default)" is the Extractor's own concern;
// the driver only needs the cursor it resumes from, which is empty the
// first time an extractor kind/key pair is ever seen).
func NewPipelineDriver(cfg PipelineDriverConfig) (*PipelineDriver, error) {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	d := &PipelineDriver{
		cfg: cfg,
		log: logrus.WithField("component", "driver"),
	}
	d.state.Store(int32(DriverInit))

	if cfg.Store != nil {
		head, err := cfg.Store.GetHead()
		if err != nil {
			return nil, err
		}
		d.head = head
	}
	return d, nil
}

// State reports the driver's current lifecycle state.
func (d *PipelineDriver) State() DriverState { return DriverState(d.state.Load()) }

func (d *PipelineDriver) setState(s DriverState) { d.state.Store(int32(s)) }

// Run executes the cycle loop until ctx is cancelled (SIGINT/SIGTERM in the
// caller's signal handling) or the extractor reports IsFinished, then
// drains (§4.9). It returns the error, if any, encountered while closing
// down.
func (d *PipelineDriver) Run(ctx context.Context) error {
	d.setState(DriverRunning)

	shutdown := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(shutdown)
	}()

	for {
		select {
		case <-shutdown:
			return d.drain()
		default:
		}

		finished, sleep, err := d.runCycle(shutdown)
		if err != nil {
			d.log.WithError(err).Warn("cycle aborted without committing cursor")
		}
		if finished {
			return d.drain()
		}

		select {
		case <-shutdown:
			return d.drain()
		default:
		}

		if sleep {
			d.setState(DriverIdle)
			select {
			case <-time.After(d.cfg.CycleInterval):
				d.setState(DriverRunning)
			case <-shutdown:
				return d.drain()
			}
		}
	}
}

// runCycle runs one extract/decode/sink/commit cycle, letting it finish
// even past a shutdown request unless cfg.ShutdownTimeout elapses first
// (§4.9 Shutdown: "let the current cycle finish ... or abort if it exceeds
// shutdown_timeout"). It reports whether the extractor has finished,
// whether the caller should sleep cycle_interval before the next
// iteration, and any error the cycle hit.
func (d *PipelineDriver) runCycle(shutdown <-chan struct{}) (finished bool, sleep bool, err error) {
	start := time.Now()

	cycleCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-shutdown:
			timer := time.NewTimer(d.cfg.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				cancel()
			}
		case <-done:
		}
	}()
	defer func() {
		close(done)
		cancel()
	}()

	batch, err := d.cfg.Extractor.Extract(cycleCtx, d.cursor)
	if err != nil {
		d.cfg.Metrics.observeCycle(KindOf(err).String(), time.Since(start).Seconds())
		return false, true, err
	}

	if d.cfg.EventsPerCycleCap > 0 && len(batch.Events) > d.cfg.EventsPerCycleCap {
		d.log.Warnf("batch of %d events exceeds events_per_cycle_cap=%d, truncating", len(batch.Events), d.cfg.EventsPerCycleCap)
		batch.Events = batch.Events[:d.cfg.EventsPerCycleCap]
	}

	if len(batch.Events) == 0 {
		d.cfg.Metrics.observeCycle("empty", time.Since(start).Seconds())
		return d.cfg.Extractor.IsFinished(), true, nil
	}

	envelopes, err := d.cfg.DecoderHub.Process(cycleCtx, batch, d.cfg.Router)
	if err != nil {
		d.cfg.Metrics.observeCycle(KindOf(err).String(), time.Since(start).Seconds())
		return false, true, err
	}

	if err := d.cfg.SinkHost.Process(cycleCtx, envelopes, batch); err != nil {
		d.cfg.Metrics.observeCycle(KindOf(err).String(), time.Since(start).Seconds())
		return false, true, err
	}

	// Cursor-commit ordering (§4.9 critical invariant): only after every
	// sink has returned success does the cursor advance.
	if err := d.cfg.Extractor.CommitCursor(cycleCtx, batch.Cursor); err != nil {
		d.cfg.Metrics.observeCycle("commit_failed", time.Since(start).Seconds())
		return false, true, NewError(ErrStateStoreFailure, err)
	}
	d.cursor = batch.Cursor

	// get_head reports indexing progress — the highest block this batch
	// actually processed — not the live chain tip (§8 Scenario 1: a
	// backfill to block 110 must report head=110 even while the chain
	// keeps growing past it).
	blockNumber := d.head.BlockNumber
	if highest, ok := batch.HighestProcessedBlock(); ok {
		blockNumber = highest
	}
	d.head = HeadState{BlockNumber: blockNumber, EventCount: d.head.EventCount + uint64(len(batch.Events))}
	if d.cfg.Store != nil {
		if err := d.cfg.Store.PutHead(d.head); err != nil {
			d.log.WithError(err).Error("failed to persist head state")
		}
	}

	d.cfg.Metrics.observeEnvelopes("all", len(envelopes))
	d.cfg.Metrics.observeCycle("ok", time.Since(start).Seconds())
	return false, false, nil
}

// drain implements §4.9 Draining: close the bus (delivering end-of-stream
// to every drainer) and the state store, then transition to Terminated.
func (d *PipelineDriver) drain() error {
	d.setState(DriverDraining)
	if d.cfg.Bus != nil {
		d.cfg.Bus.Close()
	}
	var err error
	if d.cfg.Store != nil {
		err = d.cfg.Store.Close()
	}
	d.setState(DriverTerminated)
	return err
}

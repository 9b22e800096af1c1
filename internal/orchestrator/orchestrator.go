package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/config"
	"github.com/jgoulah/sajscraper/internal/normalizer"
	"github.com/jgoulah/sajscraper/internal/scheduler"
	"github.com/jgoulah/sajscraper/internal/scraper"
	"github.com/jgoulah/sajscraper/internal/state"
	"github.com/jgoulah/sajscraper/pkg/models"
)

// ErrFatal marks errors that stop the poll loop until the operator acts
var ErrFatal = errors.New("fatal")

// Fetcher returns the raw records of one poll. scraper.Manager implements it.
type Fetcher interface {
	Fetch(ctx context.Context) (scraper.Result, error)
	Reset()
	Close()
}

// Publisher sends discovery and state to the bus. publisher.Publisher
// implements it.
type Publisher interface {
	PublishDiscovery(d models.Device) error
	PublishPanelDiscovery(d models.Device, channels []string) error
	PublishPlantDiscovery() error
	PublishState(r models.Reading, peakToday float64) error
	PublishPlant(t models.PlantTotals, peakToday float64) error
	Close()
}

// Clock abstracts time for the poll loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deps are the collaborators of the poll loop
type Deps struct {
	Fetcher   Fetcher
	Store     state.Store
	Publisher Publisher
	Clock     Clock // optional
}

// CycleReport summarizes one poll cycle
type CycleReport struct {
	Started   time.Time
	Readings  []models.Reading
	Missing   []string // serials without data this cycle
	Warnings  []error
	Published bool
	Err       error
}

// Orchestrator runs the fetch, normalize, persist, publish loop
type Orchestrator struct {
	devices    []models.Device
	loc        *time.Location
	fetcher    Fetcher
	normalizer *normalizer.Normalizer
	store      state.Store
	publisher  Publisher
	scheduler  *scheduler.Scheduler
	clock      Clock
	log        *zap.Logger

	state           state.FleetState
	discovered      map[string]bool
	panels          map[string]map[string]bool // serial -> announced channels
	plantDiscovered bool
}

// New wires an orchestrator
func New(cfg *config.Config, deps Deps, log *zap.Logger) *Orchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Orchestrator{
		devices:    cfg.Devices,
		loc:        cfg.Location,
		fetcher:    deps.Fetcher,
		normalizer: normalizer.New(cfg.Devices, cfg.Location),
		store:      deps.Store,
		publisher:  deps.Publisher,
		scheduler:  scheduler.New(scheduler.SettingsFromConfig(cfg), log),
		clock:      clock,
		log:        log,
		state:      state.New(),
		discovered: make(map[string]bool),
		panels:     make(map[string]map[string]bool),
	}
}

// LoadState reads persisted state. An unreadable store starts fresh.
func (o *Orchestrator) LoadState(ctx context.Context) {
	st, err := o.store.Load(ctx)
	if err != nil {
		o.log.Warn("could not load persisted state, starting fresh", zap.Error(err))
		st = state.New()
	}
	o.state = st
	o.log.Info("state loaded",
		zap.Int("devices", len(st.Devices)),
		zap.Time("last_seen_update_time", st.Staleness.LastSeenUpdateTime))
}

// State returns the current fleet state
func (o *Orchestrator) State() state.FleetState {
	return o.state
}

// Run polls until ctx is cancelled or a fatal error occurs. On return the
// portal session is closed and the publisher reports offline.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()

	o.LoadState(ctx)
	o.log.Info("starting poll loop", zap.Int("devices", len(o.devices)))

	for {
		if ctx.Err() != nil {
			return nil
		}

		prev := o.scheduler.Current()
		plan := o.scheduler.Plan(o.clock.Now(), o.state.Staleness)
		if scheduler.LeftQuiet(prev, plan) {
			o.log.Info("quiet hours over, starting a fresh portal session")
			o.fetcher.Reset()
		}

		if plan.Fetch() {
			report := o.Cycle(ctx)
			if errors.Is(report.Err, ErrFatal) {
				o.log.Error("stopping poll loop", zap.Error(report.Err))
				return report.Err
			}
			if ctx.Err() != nil {
				return nil
			}
			// Staleness moved, so the interval may have too
			plan = o.scheduler.Plan(o.clock.Now(), o.state.Staleness)
		}

		wait := plan.Deadline.Sub(o.clock.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.clock.After(wait):
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.log.Info("shutting down")
	o.fetcher.Close()
	o.publisher.Close()
	if err := o.store.Close(); err != nil {
		o.log.Warn("closing state store", zap.Error(err))
	}
}

// Cycle runs one fetch, normalize, persist, publish pass
func (o *Orchestrator) Cycle(ctx context.Context) CycleReport {
	report := CycleReport{Started: o.clock.Now()}
	log := o.log.With(zap.Time("cycle", report.Started))

	res, err := o.fetcher.Fetch(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			report.Err = ctx.Err()
		case scraper.IsInvalidCredentials(err):
			report.Err = fmt.Errorf("%w: %w", ErrFatal, err)
		default:
			log.Warn("fetch failed, will retry at next interval", zap.String("stage", "fetch"), zap.Error(err))
			report.Err = err
		}
		return report
	}

	for _, m := range res.Missing {
		log.Warn("no data for device this cycle",
			zap.String("stage", "fetch"), zap.String("serial", m.Serial), zap.Error(m.Err))
		report.Missing = append(report.Missing, m.Serial)
		report.Warnings = append(report.Warnings, m)
	}

	readings, errs := o.normalizer.NormalizeAll(res.Records)
	for _, err := range errs {
		log.Warn("skipping record", zap.String("stage", "normalize"), zap.Error(err))
		report.Warnings = append(report.Warnings, err)
	}
	report.Readings = readings

	now := o.clock.Now()
	next := state.Merge(o.state, readings, now, o.loc)
	if err := o.store.Persist(ctx, next); err != nil {
		log.Error("could not persist state, skipping publish", zap.String("stage", "persist"), zap.Error(err))
		report.Err = err
		return report
	}
	o.state = next

	if ctx.Err() != nil {
		report.Err = ctx.Err()
		return report
	}

	o.publish(ctx, log, readings, now, &report)
	log.Info("poll cycle complete",
		zap.Int("readings", len(readings)),
		zap.Int("missing", len(report.Missing)),
		zap.Int("warnings", len(report.Warnings)))
	return report
}

func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, readings []models.Reading, now time.Time, report *CycleReport) {
	warn := func(msg string, err error, fields ...zap.Field) {
		log.Warn(msg, append(fields, zap.String("stage", "publish"), zap.Error(err))...)
		report.Warnings = append(report.Warnings, err)
	}

	if !o.plantDiscovered {
		if err := o.publisher.PublishPlantDiscovery(); err != nil {
			warn("plant discovery failed", err)
		} else {
			o.plantDiscovered = true
		}
	}
	for _, d := range o.devices {
		if o.discovered[d.Serial] {
			continue
		}
		if err := o.publisher.PublishDiscovery(d); err != nil {
			warn("discovery failed", err, zap.String("serial", d.Serial))
			continue
		}
		o.discovered[d.Serial] = true
		log.Info("published discovery", zap.String("serial", d.Serial), zap.String("alias", d.Alias))
	}

	for _, r := range readings {
		if ctx.Err() != nil {
			report.Err = ctx.Err()
			return
		}
		o.discoverPanels(log, r, warn)
		peak := o.state.Devices[r.Serial].Peak.PeakToday(now, o.loc)
		if err := o.publisher.PublishState(r, peak); err != nil {
			warn("state publish failed", err, zap.String("serial", r.Serial))
		}
	}

	if len(readings) > 0 {
		totals := models.Aggregate(readings)
		if err := o.publisher.PublishPlant(totals, o.state.Plant.PeakToday(now, o.loc)); err != nil {
			warn("plant state publish failed", err)
		}
	}
	report.Published = true
}

// discoverPanels announces the panel channels of r that have not been
// announced yet. Devices report their channels only with data, so this runs
// per reading.
func (o *Orchestrator) discoverPanels(log *zap.Logger, r models.Reading, warn func(string, error, ...zap.Field)) {
	var fresh []string
	for _, p := range r.Panels {
		if !o.panels[r.Serial][p.Channel] {
			fresh = append(fresh, p.Channel)
		}
	}
	if len(fresh) == 0 {
		return
	}

	d := models.Device{Serial: r.Serial, Alias: r.Alias}
	if err := o.publisher.PublishPanelDiscovery(d, fresh); err != nil {
		warn("panel discovery failed", err, zap.String("serial", r.Serial))
		return
	}
	if o.panels[r.Serial] == nil {
		o.panels[r.Serial] = make(map[string]bool)
	}
	for _, ch := range fresh {
		o.panels[r.Serial][ch] = true
	}
	log.Info("published panel discovery", zap.String("serial", r.Serial), zap.Strings("channels", fresh))
}

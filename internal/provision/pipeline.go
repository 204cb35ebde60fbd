// Package provision executes the apartment build: the ordered sequence of
// world-mutating calls that creates (or attaches) a unit, hands ownership to
// the requester, and records the lease.
//
// A build either completes every step or compensates: the concierge returns
// home, apologises naming the fallback contact, the partial apartment record
// is deleted, and a counter-drawn unit is returned to the counter. Steps are
// paced with fixed sleeps so the realm's anti-spam protections never trip;
// no step is ever retried.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xetem/cinnabar-concierge/internal/allowance"
	"github.com/xetem/cinnabar-concierge/internal/observe"
	"github.com/xetem/cinnabar-concierge/internal/realm"
	"github.com/xetem/cinnabar-concierge/internal/registry"
)

// Action is the sequencer action name the pipeline handler registers under.
const Action = "createApartment"

const (
	// stepPause separates consecutive world calls.
	stepPause = 1500 * time.Millisecond

	// ownerPause precedes the first ownership transfer, which the realm
	// throttles harder than ordinary room edits.
	ownerPause = 4000 * time.Millisecond

	// apologyPause lets the teleport settle before the apology is spoken.
	apologyPause = 5000 * time.Millisecond
)

// Pipeline builds apartments. One Pipeline is registered per concierge
// instance; the sequencer guarantees at most one build runs at a time.
type Pipeline struct {
	chars    realm.CharSource
	alloc    *registry.Allocator
	bucket   *allowance.Bucket
	metrics  *observe.Metrics
	fallback string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithSleeper replaces the pacing sleep implementation. Used in tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// New creates a pipeline. fallbackContact is the character players are told
// to mail when a build fails. A nil metrics falls back to the package-level
// default instruments.
func New(chars realm.CharSource, alloc *registry.Allocator, bucket *allowance.Bucket, metrics *observe.Metrics, fallbackContact string, opts ...Option) *Pipeline {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	p := &Pipeline{
		chars:    chars,
		alloc:    alloc,
		bucket:   bucket,
		metrics:  metrics,
		fallback: fallbackContact,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handler adapts the pipeline to the sequencer's handler signature.
func (p *Pipeline) Handler() func(ctx context.Context, payload any) error {
	return func(ctx context.Context, payload any) error {
		req, ok := payload.(Request)
		if !ok {
			return fmt.Errorf("provision: unexpected payload type %T", payload)
		}
		return p.Build(ctx, req)
	}
}

// Build runs one apartment build to completion or compensated failure. The
// whole allowance is reserved up front and drained to zero on return, so the
// run's cost is the same whichever way it ends.
func (p *Pipeline) Build(ctx context.Context, req Request) error {
	start := p.now()
	defer p.bucket.Drain()

	ctx, span := observe.StartSpan(ctx, "provision.build")
	defer span.End()
	log := observe.Logger(ctx).With("requester_id", req.Requester.ID)

	char, err := p.chars.Char(req.ActorID)
	if err != nil {
		log.Error("cannot start build, concierge character not controlled", "actor_id", req.ActorID, "err", err)
		p.metrics.RecordBuild(ctx, "control_loss", p.now().Sub(start))
		return fmt.Errorf("provision: resolve actor %s: %w", req.ActorID, err)
	}

	waitStart := p.now()
	if err := p.bucket.Charge(ctx, p.bucket.Ceiling()); err != nil {
		return fmt.Errorf("provision: reserve allowance: %w", err)
	}
	p.metrics.RecordAllowanceWait(ctx, p.now().Sub(waitStart))

	unit := req.Unit
	fromCounter := unit == ""
	if fromCounter {
		if unit, err = p.alloc.Next(ctx); err != nil {
			p.metrics.RecordBuild(ctx, "failure", p.now().Sub(start))
			return fmt.Errorf("provision: allocate unit: %w", err)
		}
	}
	log = log.With("unit", unit)

	if err := p.run(ctx, char, req, unit); err != nil {
		log.Error("apartment build failed", "err", err)
		p.compensate(context.WithoutCancel(ctx), char, req, unit, fromCounter, err)
		status := "failure"
		if errors.Is(err, realm.ErrNotControlled) {
			status = "control_loss"
		}
		p.metrics.RecordBuild(ctx, status, p.now().Sub(start))
		return err
	}

	log.Info("apartment ready")
	p.metrics.RecordBuild(ctx, "success", p.now().Sub(start))
	return nil
}

// run executes the build steps in strict order. Any error aborts the
// remaining steps; the caller runs compensation.
func (p *Pipeline) run(ctx context.Context, char realm.WorldAPI, req Request, unit string) error {
	if err := p.step(ctx, "notify", stepPause, func(ctx context.Context) error {
		return char.Address(ctx, req.Requester.ID, msgBuildStarting, false)
	}); err != nil {
		return err
	}

	// Out of the lobby and up to the hallway level.
	if err := p.step(ctx, "leaveRoom", stepPause, func(ctx context.Context) error {
		return char.UseExit(ctx, "out")
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "climbToHallway", stepPause, func(ctx context.Context) error {
		return char.UseExit(ctx, "up")
	}); err != nil {
		return err
	}

	if req.ExistingRoomID != "" {
		return p.attach(ctx, char, req, unit)
	}

	var area realm.AreaInfo
	if err := p.step(ctx, "createArea", stepPause, func(ctx context.Context) error {
		parent, err := char.CurrentArea(ctx)
		if err != nil {
			return err
		}
		area, err = char.CreateArea(ctx, "Apartment "+unit, parent.ID)
		return err
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "setLocation", stepPause, func(ctx context.Context) error {
		return char.SetLocation(ctx, area.ID, "area", true)
	}); err != nil {
		return err
	}

	var exit realm.ExitInfo
	if err := p.step(ctx, "createExit", stepPause, func(ctx context.Context) error {
		var err error
		exit, err = char.CreateExit(ctx, realm.ExitParams{
			Keys:      []string{unit, req.Requester.FullName()},
			Name:      "Apartment " + unit,
			LeaveMsg:  "goes inside apartment " + unit + ".",
			ArriveMsg: "enters the apartment from the hallway.",
			TravelMsg: "goes inside apartment " + unit,
			Hidden:    true,
		})
		return err
	}); err != nil {
		return err
	}

	if err := p.step(ctx, "enterApartment", stepPause, func(ctx context.Context) error {
		return char.UseExit(ctx, unit)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "setRoom", stepPause, func(ctx context.Context) error {
		return char.SetRoom(ctx, "Apartment "+unit, "The apartment is empty.", area.ID)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "setReturnExit", ownerPause, func(ctx context.Context) error {
		return char.SetExit(ctx, "back", realm.ExitParams{
			Keys:      []string{"exit", "out", "hall", "hallway"},
			Name:      "To Hallway",
			LeaveMsg:  "leaves the apartment.",
			ArriveMsg: "arrives from apartment " + unit + ".",
			TravelMsg: "leaves the apartment.",
		})
	}); err != nil {
		return err
	}

	if err := p.step(ctx, "roomOwner", stepPause, func(ctx context.Context) error {
		return char.RequestSetRoomOwner(ctx, exit.TargetRoomID, req.Requester.ID)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "areaOwner", stepPause, func(ctx context.Context) error {
		return char.RequestSetAreaOwner(ctx, area.ID, req.Requester.ID)
	}); err != nil {
		return err
	}

	return p.finish(ctx, char, req, unit)
}

// attach links an existing room owned by the requester as the apartment. No
// area, room edit or ownership transfer is needed: the room stays theirs, it
// just gains a hidden hallway exit keyed by the unit identifier.
func (p *Pipeline) attach(ctx context.Context, char realm.WorldAPI, req Request, unit string) error {
	if err := p.step(ctx, "attachExit", stepPause, func(ctx context.Context) error {
		_, err := char.CreateExit(ctx, realm.ExitParams{
			Keys:         []string{unit, req.Requester.FullName()},
			Name:         "Apartment " + unit,
			LeaveMsg:     "goes inside apartment " + unit + ".",
			ArriveMsg:    "enters the apartment from the hallway.",
			TravelMsg:    "goes inside apartment " + unit,
			Hidden:       true,
			TargetRoomID: req.ExistingRoomID,
		})
		return err
	}); err != nil {
		return err
	}
	return p.finish(ctx, char, req, unit)
}

// finish returns the concierge home, announces the new unit and persists the
// apartment record. Shared tail of the create and attach paths.
func (p *Pipeline) finish(ctx context.Context, char realm.WorldAPI, req Request, unit string) error {
	if err := p.step(ctx, "teleportHome", stepPause, func(ctx context.Context) error {
		return char.TeleportHome(ctx)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "announce", 0, func(ctx context.Context) error {
		return char.Address(ctx, req.Requester.ID, successMessage(unit, req.Requester), true)
	}); err != nil {
		return err
	}
	if err := p.alloc.Assign(ctx, req.Requester.ID, unit); err != nil {
		return fmt.Errorf("provision: persistRecord: %w", err)
	}
	return nil
}

// step runs one named build step inside its own span, then idles for pause.
func (p *Pipeline) step(ctx context.Context, name string, pause time.Duration, fn func(ctx context.Context) error) error {
	sctx, span := observe.StartSpan(ctx, "provision."+name)
	err := fn(sctx)
	span.End()
	if err != nil {
		return fmt.Errorf("provision: %s: %w", name, err)
	}
	return p.sleep(ctx, pause)
}

// compensate undoes the visible effects of a failed build: the concierge
// returns home, apologises, and the ledger forgets both the partial record
// and, for counter-drawn units, the consumed identifier. Runs on a
// cancellation-proof context so a shutdown mid-build still cleans up.
//
// When the failure is loss of control over the acting character, no world
// call can succeed anymore; only the ledger is cleaned up.
func (p *Pipeline) compensate(ctx context.Context, char realm.WorldAPI, req Request, unit string, fromCounter bool, cause error) {
	log := observe.Logger(ctx).With("requester_id", req.Requester.ID, "unit", unit)

	if !errors.Is(cause, realm.ErrNotControlled) {
		if err := char.TeleportHome(ctx); err != nil {
			log.Warn("compensation: teleport home failed", "err", err)
		}
		if err := p.sleep(ctx, apologyPause); err != nil {
			log.Warn("compensation: interrupted", "err", err)
		}
		if err := char.Address(ctx, req.Requester.ID, apologyMessage(req.Requester.Name, p.fallback, cause), true); err != nil {
			log.Warn("compensation: apology failed", "err", err)
		}
	}

	if err := p.alloc.Remove(ctx, req.Requester.ID); err != nil {
		log.Warn("compensation: remove partial record failed", "err", err)
	}
	if fromCounter {
		if err := p.alloc.Rollback(ctx, unit); err != nil {
			log.Warn("compensation: counter rollback failed", "err", err)
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package apply walks an approved plan and pushes its items to the
// storefront, recording every item outcome and the final plan status.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sw33tLie/shelfsync/internal/logx"
	"github.com/sw33tLie/shelfsync/pkg/plan"
	"github.com/sw33tLie/shelfsync/pkg/storage"
	"github.com/sw33tLie/shelfsync/pkg/storefront"
)

// Logger is satisfied by *logrus.Logger.
type Logger = logx.Logger

// Store is the part of the record store the executor needs. TransitionPlan
// must be a compare-and-swap returning *storage.StatusConflictError on a
// mismatch, and RecordItemOutcome must write the item and its audit entry
// atomically. RecoverStalePlan swaps applying to partially-applied only when
// the plan was last updated no later than idleSince.
type Store interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	TransitionPlan(ctx context.Context, id string, from, to plan.Status, actor string) error
	RecordItemOutcome(ctx context.Context, it plan.Item, actor string) error
	RecoverStalePlan(ctx context.Context, id string, idleSince time.Time, actor string) error
}

// DefaultStaleAfter is how long an applying plan must sit untouched before
// Recover takes it over.
const DefaultStaleAfter = 15 * time.Minute

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

type Executor struct {
	Store   Store
	Mutator storefront.Mutator
	// Actor is written to the audit log for every transition.
	Actor          string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Log            Logger
}

func New(store Store, mut storefront.Mutator) *Executor {
	return &Executor{
		Store:          store,
		Mutator:        mut,
		Actor:          "apply",
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Log:            logx.Nop{},
	}
}

// Report summarizes one Apply or Resume call.
type Report struct {
	PlanID    string
	Status    plan.Status
	Succeeded int
	Failed    int
	Skipped   int
	Pending   int
	Items     []plan.Item
}

// Apply executes an approved plan. A draft plan is rejected with
// ErrPlanNotApproved and any plan that already left approved with
// ErrPlanAlreadyApplied; in both cases nothing is sent to the storefront.
func (e *Executor) Apply(ctx context.Context, planID string) (*Report, error) {
	p, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case plan.StatusApproved:
	case plan.StatusDraft:
		return nil, fmt.Errorf("%w: plan %s is still a draft", plan.ErrPlanNotApproved, planID)
	default:
		return nil, fmt.Errorf("%w: plan %s is %s", plan.ErrPlanAlreadyApplied, planID, p.Status)
	}
	if err := e.Store.TransitionPlan(ctx, planID, plan.StatusApproved, plan.StatusApplying, e.actor()); err != nil {
		return nil, conflict(err)
	}
	e.log().Infof("Applying plan %s (%s, %d items)", planID, p.Kind, len(p.Items))
	return e.run(ctx, p)
}

// Resume re-attempts the pending items of a partially-applied plan. Items
// that already succeeded, failed or were skipped are left alone.
func (e *Executor) Resume(ctx context.Context, planID string) (*Report, error) {
	p, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Status == plan.StatusDraft:
		return nil, fmt.Errorf("%w: plan %s is still a draft", plan.ErrPlanNotApproved, planID)
	case p.Status != plan.StatusPartiallyApplied:
		return nil, fmt.Errorf("%w: plan %s is %s", plan.ErrNotResumable, planID, p.Status)
	case p.Counts().Pending == 0:
		return nil, fmt.Errorf("%w: plan %s has no pending items", plan.ErrNotResumable, planID)
	}
	if err := e.Store.TransitionPlan(ctx, planID, plan.StatusPartiallyApplied, plan.StatusApplying, e.actor()); err != nil {
		return nil, conflict(err)
	}
	e.log().Infof("Resuming plan %s (%d pending items)", planID, p.Counts().Pending)
	return e.run(ctx, p)
}

// Recover takes over a plan left in applying by a run that died, then applies
// its pending items. The plan must not have been updated for staleAfter, so a
// run that is still recording outcomes is refused with plan.ErrPlanActive.
// The takeover is audited under the executor's actor.
func (e *Executor) Recover(ctx context.Context, planID string, staleAfter time.Duration) (*Report, error) {
	if staleAfter < 0 {
		staleAfter = 0
	}
	err := e.Store.RecoverStalePlan(ctx, planID, time.Now().Add(-staleAfter), e.actor())
	var sc *storage.StatusConflictError
	if errors.As(err, &sc) {
		return nil, fmt.Errorf("%w: %w", plan.ErrNotResumable, err)
	}
	if err != nil {
		return nil, err
	}
	p, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.TransitionPlan(ctx, planID, plan.StatusPartiallyApplied, plan.StatusApplying, e.actor()); err != nil {
		return nil, conflict(err)
	}
	e.log().Warnf("Recovered abandoned plan %s (%d pending items)", planID, p.Counts().Pending)
	return e.run(ctx, p)
}

func (e *Executor) run(ctx context.Context, p *plan.Plan) (*Report, error) {
	log := e.log()
	// Outcomes must reach the store even when ctx is canceled mid-item.
	persist := context.WithoutCancel(ctx)

	bySeq := make(map[int]*plan.Item, len(p.Items))
	for i := range p.Items {
		bySeq[p.Items[i].Seq] = &p.Items[i]
	}

	var runErr error
	for i := range p.Items {
		it := &p.Items[i]
		if it.Status != plan.ItemPending {
			continue
		}
		if ctx.Err() != nil {
			log.Warnf("Plan %s canceled, leaving %s and later items pending", p.ID, it.Key())
			break
		}

		out := *it
		if req, ok := bySeq[it.Requires]; ok && req.Status != plan.ItemSucceeded {
			out.Status = plan.ItemSkipped
			out.Reason = fmt.Sprintf("prerequisite #%d is %s", req.Seq, req.Status)
		} else {
			resultID, err := e.push(ctx, *it)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Warnf("Plan %s canceled during %s, leaving it pending", p.ID, it.Key())
				break
			}
			out.ResultID = resultID
			switch {
			case err == nil:
				out.Status = plan.ItemSucceeded
			case storefront.IsTargetGone(err):
				out.Status = plan.ItemSkipped
				out.Reason = err.Error()
			default:
				out.Status = plan.ItemFailed
				out.Reason = err.Error()
			}
		}

		if err := e.Store.RecordItemOutcome(persist, out, e.actor()); err != nil {
			runErr = fmt.Errorf("recording %s: %w", it.Key(), err)
			log.Errorf("Could not record outcome of %s: %v", it.Key(), err)
			break
		}
		*it = out
		switch out.Status {
		case plan.ItemSucceeded:
			log.Debugf("Applied %s", out)
		case plan.ItemSkipped:
			log.Warnf("Skipped %s: %s", out, out.Reason)
		default:
			log.Errorf("Failed %s: %s", out, out.Reason)
		}
	}

	c := p.Counts()
	final := plan.TerminalStatus(c)
	if err := e.Store.TransitionPlan(persist, p.ID, plan.StatusApplying, final, e.actor()); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("finishing plan %s: %w", p.ID, err))
	}
	p.Status = final
	log.Infof("Plan %s %s: %d succeeded, %d failed, %d skipped, %d pending", p.ID, final, c.Succeeded, c.Failed, c.Skipped, c.Pending)

	return &Report{
		PlanID:    p.ID,
		Status:    final,
		Succeeded: c.Succeeded,
		Failed:    c.Failed,
		Skipped:   c.Skipped,
		Pending:   c.Pending,
		Items:     p.Items,
	}, runErr
}

// push sends one item, retrying transient failures with exponential backoff.
func (e *Executor) push(ctx context.Context, it plan.Item) (string, error) {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	if e.InitialBackoff > 0 {
		b.InitialInterval = e.InitialBackoff
	}
	if e.MaxBackoff > 0 {
		b.MaxInterval = e.MaxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	op := func() (string, error) {
		attempt++
		id, err := e.mutate(ctx, it)
		if err == nil || storefront.IsTransient(err) {
			return id, err
		}
		return "", backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.log().Warnf("Attempt %d/%d for %s failed, retrying in %s: %v", attempt, attempts, it.Key(), wait, err)
	}
	id, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil && storefront.IsTransient(err) {
		err = fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}
	return id, err
}

func (e *Executor) mutate(ctx context.Context, it plan.Item) (string, error) {
	switch it.Field {
	case plan.FieldPrice:
		return "", e.Mutator.SetPrice(ctx, it.TargetID, it.New)
	case plan.FieldInventory:
		return "", e.Mutator.SetInventory(ctx, it.TargetID, it.New)
	case plan.FieldVariant:
		if it.Variant == nil {
			return "", errors.New("variant item carries no spec")
		}
		return e.Mutator.CreateVariant(ctx, it.TargetID, *it.Variant)
	}
	return "", fmt.Errorf("unknown field %q", it.Field)
}

func (e *Executor) actor() string {
	if e.Actor == "" {
		return "apply"
	}
	return e.Actor
}

func (e *Executor) log() Logger {
	return logx.Or(e.Log)
}

// conflict maps a lost compare-and-swap to the caller-facing error.
func conflict(err error) error {
	var sc *storage.StatusConflictError
	if !errors.As(err, &sc) {
		return err
	}
	if sc.Have == plan.StatusDraft {
		return fmt.Errorf("%w: %v", plan.ErrPlanNotApproved, err)
	}
	return fmt.Errorf("%w: %v", plan.ErrPlanAlreadyApplied, err)
}

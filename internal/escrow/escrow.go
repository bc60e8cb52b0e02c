// Package escrow sequences the billing saga for a task: freeze before enqueue,
// settle on success, roll back on any terminal failure. Every call site goes
// through Escrow; none talks to the ledger directly.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
)

var (
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrCompensationFailed means a hold was frozen, the freeze could not be
	// completed, and releasing the hold again failed too.
	ErrCompensationFailed = errors.New("escrow: compensation failed")
)

// Mode is how a task is billed. Only ModeHold has anything to compensate.
type Mode string

const (
	ModeNone Mode = "none"
	ModeHold Mode = "hold"
)

type State string

const (
	StateNone       State = "none"
	StateFrozen     State = "frozen"
	StateSettled    State = "settled"
	StateRolledBack State = "rolled_back"
)

func (s State) Terminal() bool {
	return s == StateSettled || s == StateRolledBack
}

// Info is the snapshot stored in a task's billing_info.
type Info struct {
	Mode      Mode      `json:"mode"`
	State     State     `json:"state"`
	Amount    int64     `json:"amount"`
	Charged   int64     `json:"charged"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseInfo decodes a billing_info column. Empty input means not billable.
func ParseInfo(raw json.RawMessage) (Info, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Info{Mode: ModeNone, State: StateNone}, nil
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("decode billing info: %w", err)
	}
	return info, nil
}

func (i Info) encode() (json.RawMessage, error) {
	return json.Marshal(i)
}

// Ledger holds and releases credits. persistence.Store implements it.
type Ledger interface {
	FreezeHold(ctx context.Context, taskID, userID string, amount int64) (*persistence.Hold, error)
	SettleHold(ctx context.Context, taskID string, charged int64) (*persistence.Hold, error)
	RollbackHold(ctx context.Context, taskID string) (*persistence.Hold, error)
	GetHold(ctx context.Context, taskID string) (*persistence.Hold, error)
}

// SnapshotWriter persists the returned Info onto the task row.
type SnapshotWriter interface {
	SetBillingInfo(ctx context.Context, taskID string, info json.RawMessage) error
}

// RollbackResult reports what a rollback did. Attempted is false when there
// was nothing to compensate.
type RollbackResult struct {
	Attempted  bool
	RolledBack bool
	Info       Info
	Err        error
}

// CompensationFailed is true when a refund was due and the ledger call failed.
// Callers record this with a distinct code; it needs manual reconciliation.
func (r RollbackResult) CompensationFailed() bool {
	return r.Attempted && r.Err != nil
}

type Escrow struct {
	ledger    Ledger
	snapshots SnapshotWriter
	logger    *slog.Logger
	metrics   *otel.Metrics
}

func New(ledger Ledger, snapshots SnapshotWriter, logger *slog.Logger, metrics *otel.Metrics) *Escrow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escrow{
		ledger:    ledger,
		snapshots: snapshots,
		logger:    logger.With("component", "escrow"),
		metrics:   metrics,
	}
}

// Freeze reserves amount for the task. A zero amount is recorded as ModeNone
// without touching the ledger.
func (e *Escrow) Freeze(ctx context.Context, taskID, userID string, amount int64) (Info, error) {
	if amount <= 0 {
		info := Info{Mode: ModeNone, State: StateNone}
		return info, e.persist(ctx, taskID, info)
	}
	hold, err := e.ledger.FreezeHold(ctx, taskID, userID, amount)
	if err != nil {
		e.record(ctx, "freeze", "error")
		if errors.Is(err, persistence.ErrInsufficientBalance) {
			return Info{}, fmt.Errorf("%w: need %d credits", ErrInsufficientBalance, amount)
		}
		return Info{}, fmt.Errorf("freeze hold: %w", err)
	}
	info := fromHold(hold)
	e.record(ctx, "freeze", "ok")
	e.logger.Debug("escrow frozen", "task_id", taskID, "amount", amount)
	if perr := e.persist(ctx, taskID, info); perr != nil {
		// Without a snapshot nothing downstream knows about the hold.
		if _, rerr := e.ledger.RollbackHold(ctx, taskID); rerr != nil {
			e.record(ctx, "rollback", "error")
			e.logger.Error("escrow freeze unwound with hold left frozen", "task_id", taskID, "amount", amount, "error", rerr)
			return info, fmt.Errorf("%w: %w (release hold: %v)", ErrCompensationFailed, perr, rerr)
		}
		e.record(ctx, "rollback", "ok")
		return Info{Mode: ModeHold, State: StateRolledBack, Amount: amount}, perr
	}
	return info, nil
}

// Settle charges usage against the hold and refunds the difference. usage < 0
// charges the full frozen amount. A snapshot that is not frozen is returned
// unchanged.
func (e *Escrow) Settle(ctx context.Context, taskID string, current Info, usage int64) (Info, error) {
	if current.Mode != ModeHold || current.State != StateFrozen {
		return current, nil
	}
	if usage < 0 {
		usage = current.Amount
	}
	hold, err := e.ledger.SettleHold(ctx, taskID, usage)
	if err != nil {
		e.record(ctx, "settle", "error")
		return current, fmt.Errorf("settle hold: %w", err)
	}
	info := fromHold(hold)
	e.record(ctx, "settle", "ok")
	return info, e.persist(ctx, taskID, info)
}

// Rollback refunds a frozen hold. It never returns an error directly; a failed
// refund is reported through RollbackResult.Err. A snapshot that says the task
// is not billed is checked against the ledger, so a hold whose snapshot never
// landed is still refunded.
func (e *Escrow) Rollback(ctx context.Context, taskID string, current Info) RollbackResult {
	if current.Mode != ModeHold {
		hold, err := e.ledger.GetHold(ctx, taskID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return RollbackResult{Info: current}
		case err != nil:
			e.logger.Error("escrow hold lookup failed", "task_id", taskID, "error", err)
			return RollbackResult{Attempted: true, Info: current, Err: fmt.Errorf("look up hold: %w", err)}
		}
		current = fromHold(hold)
	}
	if current.State != StateFrozen {
		return RollbackResult{Info: current, RolledBack: current.State == StateRolledBack}
	}
	hold, err := e.ledger.RollbackHold(ctx, taskID)
	if err != nil {
		e.record(ctx, "rollback", "error")
		e.logger.Error("escrow rollback failed", "task_id", taskID, "amount", current.Amount, "error", err)
		return RollbackResult{Attempted: true, Info: current, Err: fmt.Errorf("rollback hold: %w", err)}
	}
	info := fromHold(hold)
	e.record(ctx, "rollback", "ok")
	if perr := e.persist(ctx, taskID, info); perr != nil {
		e.logger.Warn("escrow snapshot write failed", "task_id", taskID, "error", perr)
	}
	return RollbackResult{Attempted: true, RolledBack: info.State == StateRolledBack, Info: info}
}

// RollbackTask reads the snapshot from the task row and rolls it back.
func (e *Escrow) RollbackTask(ctx context.Context, task *persistence.Task) RollbackResult {
	info, err := ParseInfo(task.BillingInfo)
	if err != nil {
		return RollbackResult{Err: err}
	}
	return e.Rollback(ctx, task.ID, info)
}

func (e *Escrow) persist(ctx context.Context, taskID string, info Info) error {
	if e.snapshots == nil {
		return nil
	}
	raw, err := info.encode()
	if err != nil {
		return fmt.Errorf("encode billing info: %w", err)
	}
	if err := e.snapshots.SetBillingInfo(ctx, taskID, raw); err != nil {
		return fmt.Errorf("store billing info: %w", err)
	}
	return nil
}

func (e *Escrow) record(ctx context.Context, op, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.EscrowOps.Add(ctx, 1, metric.WithAttributes(
		otel.AttrEscrowOp.String(op),
		attribute.String("outcome", outcome),
	))
}

func fromHold(h *persistence.Hold) Info {
	return Info{
		Mode:      ModeHold,
		State:     State(h.Status),
		Amount:    h.Amount,
		Charged:   h.Charged,
		UpdatedAt: h.UpdatedAt,
	}
}

package governance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/state"
)

// Locker serializes governance mutations with the rest of the board
// state. The state store provides the production implementation.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// Decision is a checkpoint verdict.
type Decision struct {
	// Allowed is true when the operation may proceed.
	Allowed bool `json:"allowed"`

	// ReasonCode names the denial, empty when allowed.
	ReasonCode string `json:"reasonCode,omitempty"`

	// ApprovalID is the approval that caused an approval denial.
	ApprovalID string `json:"approvalId,omitempty"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`
}

// Service owns the governance control state and its audit trail.
type Service struct {
	controlPath string
	locker      Locker
	audit       *Audit
	logger      *slog.Logger
	clock       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the service's time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates the governance service over the given control
// file and audit log.
func NewService(controlPath string, audit *Audit, locker Locker, opts ...Option) *Service {
	s := &Service{
		controlPath: controlPath,
		locker:      locker,
		audit:       audit,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Control reads the current control state without taking the lock.
func (s *Service) Control() (*Control, error) {
	return s.loadControl()
}

func (s *Service) loadControl() (*Control, error) {
	ctrl := NewControl()
	err := state.ReadJSONFile(s.controlPath, ctrl)
	if os.IsNotExist(err) {
		return ctrl, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read governance control: %w", err)
	}
	ctrl.normalize()
	return ctrl, nil
}

func (s *Service) saveControl(ctrl *Control) error {
	ctrl.UpdatedAt = board.Stamp(s.clock())
	if err := state.WriteJSONFile(s.controlPath, ctrl); err != nil {
		return fmt.Errorf("write governance control: %w", err)
	}
	return nil
}

// CheckpointDispatch gates one dispatch of taskID by agent. Frozen
// denies outright; a task-scoped or global abort credit is consumed if
// present; matching approvals are scanned last. Paused does not stop a
// manual dispatch.
func (s *Service) CheckpointDispatch(ctx context.Context, taskID, agent string) (*Decision, error) {
	actor := agent
	if actor == "" {
		actor = "dispatcher"
	}
	target := taskID
	if agent != "" {
		target = taskID + "@" + agent
	}

	var decision *Decision
	err := s.locker.WithLock(ctx, func() error {
		ctrl, err := s.loadControl()
		if err != nil {
			return err
		}

		switch {
		case ctrl.Frozen:
			decision = &Decision{ReasonCode: ReasonFrozen, Detail: "governance is frozen"}

		case ctrl.consumeTaskAbort(taskID):
			decision = &Decision{ReasonCode: ReasonAborted, Detail: "abort credit consumed (task scope)"}
			if err := s.saveControl(ctrl); err != nil {
				return err
			}

		case ctrl.consumeGlobalAbort():
			decision = &Decision{ReasonCode: ReasonAborted, Detail: "abort credit consumed (global scope)"}
			if err := s.saveControl(ctrl); err != nil {
				return err
			}

		default:
			decision = scanApprovals(ctrl, taskID, agent)
		}

		return s.auditCheckpoint("checkpoint_dispatch", actor, target, decision)
	})
	if err != nil {
		return nil, err
	}
	s.logDecision("dispatch", target, decision)
	return decision, nil
}

// CheckpointAutopilot gates one autopilot run.
func (s *Service) CheckpointAutopilot(ctx context.Context) (*Decision, error) {
	return s.checkpointLoop(ctx, "autopilot")
}

// CheckpointScheduler gates one scheduler tick.
func (s *Service) CheckpointScheduler(ctx context.Context) (*Decision, error) {
	return s.checkpointLoop(ctx, "scheduler")
}

func (s *Service) checkpointLoop(ctx context.Context, scope string) (*Decision, error) {
	var decision *Decision
	err := s.locker.WithLock(ctx, func() error {
		ctrl, err := s.loadControl()
		if err != nil {
			return err
		}

		switch {
		case ctrl.Frozen:
			decision = &Decision{ReasonCode: ReasonFrozen, Detail: "governance is frozen"}

		case ctrl.Paused:
			decision = &Decision{ReasonCode: ReasonPaused, Detail: "governance is paused"}

		case ctrl.consumeScopeAbort(scope):
			decision = &Decision{ReasonCode: ReasonAborted, Detail: "abort credit consumed (" + scope + " scope)"}
			if err := s.saveControl(ctrl); err != nil {
				return err
			}

		case ctrl.consumeGlobalAbort():
			decision = &Decision{ReasonCode: ReasonAborted, Detail: "abort credit consumed (global scope)"}
			if err := s.saveControl(ctrl); err != nil {
				return err
			}

		default:
			decision = &Decision{Allowed: true}
		}

		return s.auditCheckpoint("checkpoint_"+scope, scope, scope, decision)
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(scope, scope, decision)
	return decision, nil
}

// scanApprovals finds the first approval gating this dispatch, in
// ascending id order. A pending match denies with approval_required, a
// rejected match with approval_rejected; approved matches allow.
func scanApprovals(ctrl *Control, taskID, agent string) *Decision {
	ids := make([]string, 0, len(ctrl.Approvals))
	for id := range ctrl.Approvals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		approval := ctrl.Approvals[id]
		if !approvalMatches(approval, taskID, agent) {
			continue
		}
		switch approval.Status {
		case ApprovalPending:
			return &Decision{
				ReasonCode: ReasonApprovalRequired,
				ApprovalID: id,
				Detail:     fmt.Sprintf("approval %s is pending", id),
			}
		case ApprovalRejected:
			return &Decision{
				ReasonCode: ReasonApprovalRejected,
				ApprovalID: id,
				Detail:     fmt.Sprintf("approval %s was rejected", id),
			}
		}
	}
	return &Decision{Allowed: true}
}

// approvalMatches reports whether the approval's target covers this
// dispatch. A missing target gates every dispatch.
func approvalMatches(approval Approval, taskID, agent string) bool {
	target := approval.Target
	if target == nil {
		return true
	}
	if target.Type != "" && target.Type != "dispatch" {
		return false
	}
	if target.TaskID != "" && target.TaskID != taskID {
		return false
	}
	if target.Agent != "" && !strings.EqualFold(target.Agent, agent) {
		return false
	}
	return true
}

func (s *Service) auditCheckpoint(action, actor, target string, decision *Decision) error {
	result := "allow"
	if !decision.Allowed {
		result = "deny:" + decision.ReasonCode
	}
	_, err := s.audit.Append(AuditRow{
		At:     board.Stamp(s.clock()),
		Actor:  actor,
		Action: action,
		Target: target,
		Result: result,
	})
	return err
}

func (s *Service) logDecision(scope, target string, decision *Decision) {
	if decision.Allowed {
		s.logger.Debug("governance checkpoint allowed", "scope", scope, "target", target)
		return
	}
	s.logger.Info("governance checkpoint denied",
		"scope", scope,
		"target", target,
		"reason", decision.ReasonCode,
		"detail", decision.Detail)
}

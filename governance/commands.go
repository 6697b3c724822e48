package governance

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/c360studio/taskplane/board"
)

// CommandKind identifies a parsed governance command.
type CommandKind string

const (
	CmdStatus   CommandKind = "status"
	CmdPause    CommandKind = "pause"
	CmdResume   CommandKind = "resume"
	CmdFreeze   CommandKind = "freeze"
	CmdUnfreeze CommandKind = "unfreeze"
	CmdAbort    CommandKind = "abort"
	CmdApprove  CommandKind = "approve"
	CmdReject   CommandKind = "reject"
)

// Command is a parsed governance command.
type Command struct {
	// Kind is the command verb.
	Kind CommandKind `json:"kind"`

	// Target is the abort scope: global, autopilot, scheduler, or a
	// task id.
	Target string `json:"target,omitempty"`

	// ApprovalID is the approval being decided.
	ApprovalID string `json:"approvalId,omitempty"`
}

// StatusSummary reports the control state for the status command.
type StatusSummary struct {
	// Paused mirrors the control flag.
	Paused bool `json:"paused"`

	// Frozen mirrors the control flag.
	Frozen bool `json:"frozen"`

	// GlobalAborts is the remaining global abort credit.
	GlobalAborts int `json:"globalAborts"`

	// AutopilotAborts is the remaining autopilot abort credit.
	AutopilotAborts int `json:"autopilotAborts"`

	// SchedulerAborts is the remaining scheduler abort credit.
	SchedulerAborts int `json:"schedulerAborts"`

	// TaskAborts maps task ids to remaining abort credits.
	TaskAborts map[string]int `json:"taskAborts,omitempty"`

	// PendingApprovals lists approval ids still awaiting a decision.
	PendingApprovals []string `json:"pendingApprovals,omitempty"`

	// UpdatedAt is the control file's last write time.
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// CommandResult is the outcome of an executed governance command.
type CommandResult struct {
	// OK is true when the command was applied.
	OK bool `json:"ok"`

	// Action is the applied command verb.
	Action string `json:"action"`

	// Target echoes the abort scope or approval id acted on.
	Target string `json:"target,omitempty"`

	// Message is a short human-readable confirmation.
	Message string `json:"message,omitempty"`

	// Status carries the control summary for status commands.
	Status *StatusSummary `json:"status,omitempty"`
}

var (
	commandPrefix = regexp.MustCompile(`^\s*(?:(?i:governance)\s+|治理\s*)(.+?)\s*$`)

	statusPattern   = regexp.MustCompile(`^(?:(?i:status)|状态)$`)
	pausePattern    = regexp.MustCompile(`^(?:(?i:pause)|暂停)$`)
	resumePattern   = regexp.MustCompile(`^(?:(?i:resume)|恢复)$`)
	freezePattern   = regexp.MustCompile(`^(?:(?i:freeze)|冻结)$`)
	unfreezePattern = regexp.MustCompile(`^(?:(?i:unfreeze)|解冻)$`)
	abortPattern    = regexp.MustCompile(`^(?:(?i:abort)\s+|中止\s*)(\S+)$`)
	approvePattern  = regexp.MustCompile(`^(?:(?i:approve)\s+|审批\s*通过\s*)(\S+)$`)
	rejectPattern   = regexp.MustCompile(`^(?:(?i:reject)\s+|审批\s*拒绝\s*)(\S+)$`)
)

// IsCommand reports whether text addresses the governance router.
func IsCommand(text string) bool {
	return commandPrefix.MatchString(text)
}

// ParseCommand parses a governance command. Unknown verbs and unknown
// abort scopes return ErrUnknownCommand.
func ParseCommand(text string) (*Command, error) {
	m := commandPrefix.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, clipText(text))
	}
	rest := m[1]

	switch {
	case statusPattern.MatchString(rest):
		return &Command{Kind: CmdStatus}, nil
	case pausePattern.MatchString(rest):
		return &Command{Kind: CmdPause}, nil
	case resumePattern.MatchString(rest):
		return &Command{Kind: CmdResume}, nil
	case freezePattern.MatchString(rest):
		return &Command{Kind: CmdFreeze}, nil
	case unfreezePattern.MatchString(rest):
		return &Command{Kind: CmdUnfreeze}, nil
	}

	if m := abortPattern.FindStringSubmatch(rest); m != nil {
		target, err := abortTarget(m[1])
		if err != nil {
			return nil, err
		}
		return &Command{Kind: CmdAbort, Target: target}, nil
	}
	if m := approvePattern.FindStringSubmatch(rest); m != nil {
		return &Command{Kind: CmdApprove, ApprovalID: m[1]}, nil
	}
	if m := rejectPattern.FindStringSubmatch(rest); m != nil {
		return &Command{Kind: CmdReject, ApprovalID: m[1]}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, clipText(text))
}

// abortTarget maps an abort scope token to its canonical name.
func abortTarget(token string) (string, error) {
	switch strings.ToLower(token) {
	case "all", "global", "全部":
		return "global", nil
	case "scheduler", "调度":
		return "scheduler", nil
	case "autopilot", "自动推进":
		return "autopilot", nil
	}
	if board.IsTaskID(token) {
		return token, nil
	}
	return "", fmt.Errorf("%w: abort scope %q", ErrUnknownCommand, token)
}

// Execute parses and applies a governance command on behalf of actor.
// Every applied command appends an audit row; failed approvals append
// one with the error in the result column.
func (s *Service) Execute(ctx context.Context, text, actor string) (*CommandResult, error) {
	cmd, err := ParseCommand(text)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, cmd, actor)
}

// Apply runs a parsed governance command under the board lock.
func (s *Service) Apply(ctx context.Context, cmd *Command, actor string) (*CommandResult, error) {
	if actor == "" {
		actor = "operator"
	}

	var result *CommandResult
	err := s.locker.WithLock(ctx, func() error {
		ctrl, err := s.loadControl()
		if err != nil {
			return err
		}

		var applyErr error
		result, applyErr = s.applyCommand(ctrl, cmd, actor)

		auditResult := "ok"
		if applyErr != nil {
			auditResult = "error:" + applyErr.Error()
		}
		target := cmd.Target
		if target == "" {
			target = cmd.ApprovalID
		}
		if _, err := s.audit.Append(AuditRow{
			At:     board.Stamp(s.clock()),
			Actor:  actor,
			Action: string(cmd.Kind),
			Target: target,
			Result: auditResult,
		}); err != nil {
			return err
		}
		return applyErr
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("governance command applied",
		"action", result.Action,
		"target", result.Target,
		"actor", actor)
	return result, nil
}

func (s *Service) applyCommand(ctrl *Control, cmd *Command, actor string) (*CommandResult, error) {
	result := &CommandResult{OK: true, Action: string(cmd.Kind)}

	switch cmd.Kind {
	case CmdStatus:
		result.Status = summarize(ctrl)
		result.Message = "governance status"
		return result, nil

	case CmdPause:
		ctrl.Paused = true
		result.Message = "autopilot and scheduler paused"

	case CmdResume:
		ctrl.Paused = false
		result.Message = "autopilot and scheduler resumed"

	case CmdFreeze:
		ctrl.Frozen = true
		result.Message = "all dispatching frozen"

	case CmdUnfreeze:
		ctrl.Frozen = false
		result.Message = "dispatching unfrozen"

	case CmdAbort:
		result.Target = cmd.Target
		switch cmd.Target {
		case "global":
			ctrl.Aborts.Global++
			result.Message = "global abort credit added"
		case "autopilot":
			ctrl.Aborts.Autopilot++
			result.Message = "autopilot abort credit added"
		case "scheduler":
			ctrl.Aborts.Scheduler++
			result.Message = "scheduler abort credit added"
		default:
			if ctrl.Aborts.Tasks == nil {
				ctrl.Aborts.Tasks = map[string]int{}
			}
			ctrl.Aborts.Tasks[cmd.Target]++
			result.Message = "abort credit added for " + cmd.Target
		}

	case CmdApprove, CmdReject:
		result.Target = cmd.ApprovalID
		approval, ok := ctrl.Approvals[cmd.ApprovalID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, cmd.ApprovalID)
		}
		if approval.Status != ApprovalPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrApprovalDecided, cmd.ApprovalID, approval.Status)
		}
		if cmd.Kind == CmdApprove {
			approval.Status = ApprovalApproved
			result.Message = "approval " + cmd.ApprovalID + " approved"
		} else {
			approval.Status = ApprovalRejected
			result.Message = "approval " + cmd.ApprovalID + " rejected"
		}
		approval.DecidedBy = actor
		approval.DecidedAt = board.Stamp(s.clock())
		ctrl.Approvals[cmd.ApprovalID] = approval

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd.Kind))
	}

	if err := s.saveControl(ctrl); err != nil {
		return nil, err
	}
	return result, nil
}

// RequestApproval registers a pending approval gating future
// dispatches that match target. A nil target gates every dispatch.
func (s *Service) RequestApproval(ctx context.Context, id, requestedBy string, target *ApprovalTarget) error {
	if id == "" {
		return fmt.Errorf("%w: empty approval id", ErrApprovalNotFound)
	}
	return s.locker.WithLock(ctx, func() error {
		ctrl, err := s.loadControl()
		if err != nil {
			return err
		}
		ctrl.Approvals[id] = Approval{
			Status:      ApprovalPending,
			Target:      target,
			RequestedBy: requestedBy,
		}
		if err := s.saveControl(ctrl); err != nil {
			return err
		}
		_, err = s.audit.Append(AuditRow{
			At:     board.Stamp(s.clock()),
			Actor:  requestedBy,
			Action: "approval_requested",
			Target: id,
			Result: "ok",
		})
		return err
	})
}

func summarize(ctrl *Control) *StatusSummary {
	summary := &StatusSummary{
		Paused:          ctrl.Paused,
		Frozen:          ctrl.Frozen,
		GlobalAborts:    ctrl.Aborts.Global,
		AutopilotAborts: ctrl.Aborts.Autopilot,
		SchedulerAborts: ctrl.Aborts.Scheduler,
		UpdatedAt:       ctrl.UpdatedAt,
	}
	if len(ctrl.Aborts.Tasks) > 0 {
		summary.TaskAborts = make(map[string]int, len(ctrl.Aborts.Tasks))
		for id, n := range ctrl.Aborts.Tasks {
			summary.TaskAborts[id] = n
		}
	}
	for id, approval := range ctrl.Approvals {
		if approval.Status == ApprovalPending {
			summary.PendingApprovals = append(summary.PendingApprovals, id)
		}
	}
	sort.Strings(summary.PendingApprovals)
	return summary
}

func clipText(text string) string {
	const max = 80
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

package orchestrator

import (
	"log/slog"
	"time"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/command"
	"github.com/MEKXH/picard/internal/session"
)

// plan is what one input asks the orchestrator to do once the session lock is released.
type plan struct {
	messages []string
	// fetch refreshes the user's approval list and sends it.
	fetch bool
	// dispatch is set once a comment completes a pending action.
	dispatch *approval.Decision
	// outcome is logged by the caller.
	outcome string
}

func (p *plan) say(msg string) { p.messages = append(p.messages, msg) }

type deadlines struct {
	confirm time.Duration
	comment time.Duration
}

// step applies cmd to the locked session. It touches nothing outside sess.
func step(sess *session.Session, cmd command.Command, now time.Time, d deadlines) plan {
	var p plan
	if expired, ok := sess.ExpirePending(now); ok {
		p.say(timedOutMessage(expired))
		slog.Info("pending action expired", "user", sess.UserID, "action", expired.Action, "system", expired.Approval.System, "approval_id", expired.Approval.ID)
	}

	switch sess.Phase {
	case session.AwaitingConfirmation:
		stepConfirmation(sess, cmd, now, d, &p)
	case session.AwaitingComment:
		stepComment(sess, cmd, &p)
	default:
		stepIdle(sess, cmd, now, d, &p)
	}
	return p
}

func stepIdle(sess *session.Session, cmd command.Command, now time.Time, d deadlines, p *plan) {
	switch cmd.Kind {
	case command.ListApprovals:
		p.fetch = true
		p.outcome = "list"
	case command.Help:
		p.say(helpMessage())
		p.outcome = "help"
	case command.Decide:
		item, ok := sess.Item(cmd.Index)
		if !ok {
			p.say(msgInvalidItem)
			p.outcome = command.ReasonOutOfRange
			return
		}
		if action, done := sess.DecidedAction(item.Key()); done {
			p.say(alreadyDecidedMessage(cmd.Index, action))
			p.outcome = command.ReasonStaleDecision
			return
		}
		if err := sess.Begin(cmd.Action, cmd.Index, now.Add(d.confirm)); err != nil {
			p.say(msgInvalidItem)
			p.outcome = err.Error()
			return
		}
		p.say(confirmMessage(*sess.Pending))
		p.outcome = "awaiting confirmation"
	default:
		// A yes or no here has nothing to confirm, including one for an action
		// that already timed out.
		p.say(msgInvalidCommand)
		p.outcome = reasonOf(cmd)
	}
}

func stepConfirmation(sess *session.Session, cmd command.Command, now time.Time, d deadlines, p *plan) {
	if cmd.Kind == command.ConfirmYes {
		if err := sess.Advance(now.Add(d.comment)); err == nil {
			p.say(msgCommentPrompt)
			p.outcome = "awaiting comment"
			return
		}
	}
	sess.Reset()
	p.say(msgCancelled)
	p.outcome = "cancelled"
}

func stepComment(sess *session.Session, cmd command.Command, p *plan) {
	kind := cmd.Kind
	// "reject because over budget" is a sentence, not a malformed command.
	if kind == command.Unrecognized && cmd.Reason == command.ReasonInvalid && cmd.Text != "" {
		kind = command.FreeText
	}
	switch kind {
	case command.FreeText, command.ConfirmYes, command.ConfirmNo:
		pending, ok := sess.Reset()
		if !ok {
			p.say(msgInvalidCommand)
			p.outcome = command.ReasonOutOfPhase
			return
		}
		p.dispatch = &approval.Decision{
			User:     sess.UserID,
			Approval: pending.Approval,
			Action:   pending.Action,
			Comment:  cmd.Text,
		}
		p.outcome = "dispatch"
	default:
		if sess.Pending != nil {
			p.say(awaitingCommentMessage(*sess.Pending))
		} else {
			p.say(msgCommentPrompt)
		}
		p.outcome = command.ReasonOutOfPhase
	}
}

func reasonOf(cmd command.Command) string {
	if cmd.Kind == command.Unrecognized && cmd.Reason != "" {
		return cmd.Reason
	}
	return command.ReasonOutOfPhase
}

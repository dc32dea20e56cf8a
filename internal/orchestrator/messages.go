package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/command"
	"github.com/MEKXH/picard/internal/session"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05 MST"

	msgInvalidCommand = "Invalid command. Type 'help' for a list of valid commands."
	msgInvalidItem    = "Invalid item number. Type 'list' to see the list of pending approvals."
	msgCommentPrompt  = "Please provide a comment for your action:"
	msgCancelled      = "Action cancelled."
	msgNoApprovals    = "You have no pending approvals."
	msgUnreachable    = "Sorry, I couldn't reach any approval system right now. Please try again later."
)

func describe(item approval.Item) string {
	date := "no date"
	if !item.Date.IsZero() {
		date = item.Date.Format(dateLayout)
	}
	return fmt.Sprintf("%s (%s) - %s", item.Summary, date, item.Link)
}

func helpMessage() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for i, kw := range command.Keywords() {
		fmt.Fprintf(&b, "%d. '%s' - %s\n", i+1, kw.Usage, kw.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func listMessage(items []approval.Item, failed []approval.SystemID) string {
	var b strings.Builder
	if len(items) == 0 {
		b.WriteString(msgNoApprovals)
	} else {
		b.WriteString("You have pending approvals:\n")
		for i, item := range items {
			fmt.Fprintf(&b, "%d. %s\n", i+1, describe(item))
		}
	}
	if len(failed) > 0 {
		names := make([]string, len(failed))
		for i, s := range failed {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "\nNote: %s could not be reached, so this list may be incomplete.\n", strings.Join(names, ", "))
	}
	b.WriteString("\n")
	b.WriteString(helpMessage())
	return b.String()
}

func confirmMessage(p session.PendingAction) string {
	return fmt.Sprintf("Please confirm that you wish to %s '%s' by typing 'Y' or 'Yes'.", p.Action, describe(p.Approval))
}

func awaitingCommentMessage(p session.PendingAction) string {
	return fmt.Sprintf("You are about to %s '%s'. %s", p.Action, describe(p.Approval), msgCommentPrompt)
}

func alreadyDecidedMessage(index int, action approval.Action) string {
	return fmt.Sprintf("Item %d was already %s. Type 'list' to refresh your approvals.", index, action.PastTense())
}

func timedOutMessage(p session.PendingAction) string {
	return fmt.Sprintf("Your request to %s '%s' timed out. %s", p.Action, describe(p.Approval), msgCancelled)
}

func successMessage(dec approval.Decision, at time.Time) string {
	comment := dec.Comment
	if comment == "" {
		comment = "(none)"
	}
	return fmt.Sprintf("Successfully %s '%s'\nUser: %s\nDate/Time: %s\nComment: %s",
		dec.Action.PastTense(), describe(dec.Approval), dec.User, at.Format(dateTimeLayout), comment)
}

func failureMessage(dec approval.Decision, detail string) string {
	msg := fmt.Sprintf("Failed to %s '%s'", dec.Action, describe(dec.Approval))
	if detail = strings.TrimSpace(detail); detail != "" {
		msg += ": " + detail
	}
	return msg
}

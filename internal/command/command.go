package command

import (
	"strconv"
	"strings"

	"github.com/MEKXH/picard/internal/approval"
)

// Kind discriminates a parsed Command.
type Kind int

const (
	Unrecognized Kind = iota
	ListApprovals
	Help
	Decide
	ConfirmYes
	ConfirmNo
	FreeText
)

func (k Kind) String() string {
	switch k {
	case ListApprovals:
		return "list_approvals"
	case Help:
		return "help"
	case Decide:
		return "decide"
	case ConfirmYes:
		return "confirm_yes"
	case ConfirmNo:
		return "confirm_no"
	case FreeText:
		return "free_text"
	default:
		return "unrecognized"
	}
}

// Reasons carried by Unrecognized commands.
const (
	ReasonEmpty         = "empty input"
	ReasonInvalid       = "invalid command"
	ReasonBadAction     = "unknown action"
	ReasonOutOfRange    = "out of range"
	ReasonOutOfPhase    = "out of phase"
	ReasonStaleDecision = "stale decision"
)

// Command is the typed user intent.
type Command struct {
	Kind Kind
	// Decide
	Action approval.Action
	Index  int
	// FreeText carries the trimmed original text; yes/no and malformed
	// approve/reject keep it too so a pending comment can still use it.
	Text string
	// Unrecognized
	Reason string
}

// Keyword is a help-listed text command.
type Keyword struct {
	Usage       string
	Description string
}

var keywords = []Keyword{
	{Usage: "list", Description: "show your pending approvals"},
	{Usage: "approvals", Description: "same as list"},
	{Usage: "list approvals", Description: "same as list"},
	{Usage: "help", Description: "show this message"},
	{Usage: "approve N", Description: "approve item N from the list"},
	{Usage: "reject N", Description: "reject item N from the list"},
}

// Keywords returns the commands users can type, in help order.
func Keywords() []Keyword {
	out := make([]Keyword, len(keywords))
	copy(out, keywords)
	return out
}

// Parse turns raw message text into a Command. Matching is case-insensitive and
// whitespace-normalized; keywords win over every other form.
func Parse(raw string) Command {
	text := strings.TrimSpace(raw)
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return Command{Kind: Unrecognized, Reason: ReasonEmpty}
	}

	switch strings.Join(fields, " ") {
	case "list", "approvals", "list approvals":
		return Command{Kind: ListApprovals, Text: text}
	case "help":
		return Command{Kind: Help, Text: text}
	case "y", "yes":
		return Command{Kind: ConfirmYes, Text: text}
	case "n", "no", "cancel":
		return Command{Kind: ConfirmNo, Text: text}
	}

	if action, ok := approval.ParseAction(fields[0]); ok {
		if len(fields) != 2 {
			return Command{Kind: Unrecognized, Reason: ReasonInvalid, Text: text}
		}
		index, ok := parseIndex(fields[1])
		if !ok {
			return Command{Kind: Unrecognized, Reason: ReasonInvalid, Text: text}
		}
		return Command{Kind: Decide, Action: action, Index: index, Text: text}
	}

	return Command{Kind: FreeText, Text: text}
}

// ParseInteractive maps a button payload straight to Decide. The index is not
// range checked here.
func ParseInteractive(actionID, value string) Command {
	action, ok := approval.ParseAction(actionID)
	if !ok {
		return Command{Kind: Unrecognized, Reason: ReasonBadAction}
	}
	index, ok := parseIndex(strings.TrimSpace(value))
	if !ok {
		return Command{Kind: Unrecognized, Reason: ReasonInvalid}
	}
	return Command{Kind: Decide, Action: action, Index: index}
}

func parseIndex(raw string) (int, bool) {
	if raw == "" || strings.ContainsAny(raw, "+-") {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/picard/internal/aggregator"
	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/audit"
	"github.com/MEKXH/picard/internal/backend"
	"github.com/MEKXH/picard/internal/dispatch"
	"github.com/MEKXH/picard/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubAdapter struct {
	system approval.SystemID
	items  []approval.Item
	err    error
	block  map[string]chan struct{}

	mu          sync.Mutex
	submitted   []approval.Decision
	submitState approval.Status
	submitMsg   string
}

func (s *stubAdapter) System() approval.SystemID { return s.system }

func (s *stubAdapter) FetchApprovals(ctx context.Context, userID string) ([]approval.Item, error) {
	if ch, ok := s.block[userID]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.items, s.err
}

func (s *stubAdapter) SubmitDecision(_ context.Context, userID string, item approval.Item, action approval.Action, comment string) (approval.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, approval.Decision{User: userID, Approval: item, Action: action, Comment: comment})
	status := s.submitState
	if status == "" {
		status = approval.StatusSuccess
	}
	return approval.SubmitResult{Status: status, Message: s.submitMsg}, nil
}

func (s *stubAdapter) submissions() []approval.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]approval.Decision(nil), s.submitted...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeRecorder) Record(_ context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) all() []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Record(nil), f.records...)
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (r *recordingMessenger) Deliver(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[userID] = append(r.sent[userID], text)
	return nil
}

func (r *recordingMessenger) messages(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[userID]...)
}

func (r *recordingMessenger) last(t *testing.T, userID string) string {
	t.Helper()
	msgs := r.messages(userID)
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to %s", userID)
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	orch  *Orchestrator
	store *session.Store
	clock *fakeClock
	out   *recordingMessenger
	audit *fakeRecorder
}

func newHarness(t *testing.T, adapters ...*stubAdapter) *harness {
	t.Helper()
	list := make([]backend.Adapter, len(adapters))
	for i, a := range adapters {
		list[i] = a
	}
	reg, err := backend.NewRegistry(list...)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	clock := &fakeClock{now: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)}
	rec := &fakeRecorder{}
	store := session.NewStore(session.Options{Now: clock.Now})
	out := &recordingMessenger{}
	orch := New(
		store,
		aggregator.New(reg.Adapters(), aggregator.Options{CallTimeout: 5 * time.Second}),
		dispatch.New(reg, rec, dispatch.Options{Now: clock.Now}),
		out,
		Options{ConfirmTimeout: 5 * time.Minute, CommentTimeout: 10 * time.Minute, Now: clock.Now},
	)
	return &harness{orch: orch, store: store, clock: clock, out: out, audit: rec}
}

func (h *harness) say(t *testing.T, userID, text string) {
	t.Helper()
	if err := h.orch.HandleMessage(context.Background(), userID, text); err != nil {
		t.Fatalf("HandleMessage(%q) error: %v", text, err)
	}
}

func po42() *stubAdapter {
	return &stubAdapter{
		system: approval.SystemCoupa,
		items: []approval.Item{{
			ID:      "42",
			Summary: "PO #42",
			Date:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			Link:    "https://coupa.example.com/po/42",
		}},
	}
}

func TestScenario_ApproveWithComment(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)

	h.say(t, "U1", "list")
	h.say(t, "U1", "approve 1")
	h.say(t, "U1", "yes")
	h.say(t, "U1", "looks good")

	msgs := h.out.messages("U1")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %q", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "You have pending approvals:\n1. PO #42 (2024-05-01) - https://coupa.example.com/po/42") {
		t.Fatalf("unexpected list message: %q", msgs[0])
	}
	if msgs[1] != "Please confirm that you wish to approve 'PO #42 (2024-05-01) - https://coupa.example.com/po/42' by typing 'Y' or 'Yes'." {
		t.Fatalf("unexpected confirmation: %q", msgs[1])
	}
	if msgs[2] != msgCommentPrompt {
		t.Fatalf("unexpected comment prompt: %q", msgs[2])
	}
	if !strings.HasPrefix(msgs[3], "Successfully approved 'PO #42") || !strings.Contains(msgs[3], "Comment: looks good") {
		t.Fatalf("unexpected success message: %q", msgs[3])
	}

	subs := coupa.submissions()
	if len(subs) != 1 || subs[0].Comment != "looks good" || subs[0].Action != approval.ActionApprove || subs[0].Approval.ID != "42" {
		t.Fatalf("unexpected submissions: %+v", subs)
	}
	recs := h.audit.all()
	if len(recs) != 1 || recs[0].User != "U1" || recs[0].ApprovalID != "42" || recs[0].Status != "approved" {
		t.Fatalf("expected exactly one audit entry for (U1, 42), got %+v", recs)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle || s.Pending != nil {
		t.Fatalf("expected idle session after dispatch, got %s", s.Phase)
	}
}

func TestScenario_BackendFailureSkipsAudit(t *testing.T) {
	coupa := po42()
	coupa.submitState = approval.StatusFailure
	coupa.submitMsg = "approval locked"
	h := newHarness(t, coupa)

	for _, in := range []string{"list", "approve 1", "yes", "looks good"} {
		h.say(t, "U1", in)
	}

	if got := h.out.last(t, "U1"); got != "Failed to approve 'PO #42 (2024-05-01) - https://coupa.example.com/po/42': approval locked" {
		t.Fatalf("unexpected failure message: %q", got)
	}
	if recs := h.audit.all(); len(recs) != 0 {
		t.Fatalf("expected no audit entry on failure, got %+v", recs)
	}
}

func TestRoundTrip_DispatchesExactlyOnce(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)

	for _, in := range []string{"list", "reject 1", "Y", "duplicate invoice", "yes"} {
		h.say(t, "U1", in)
	}
	if subs := coupa.submissions(); len(subs) != 1 || subs[0].Action != approval.ActionReject {
		t.Fatalf("expected one reject submission, got %+v", subs)
	}
	if got := h.out.last(t, "U1"); got != msgInvalidCommand {
		t.Fatalf("expected trailing yes to be invalid, got %q", got)
	}

	h.say(t, "U1", "reject 1")
	if got := h.out.last(t, "U1"); !strings.Contains(got, "already rejected") {
		t.Fatalf("expected already decided notice, got %q", got)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
}

func TestDecide_OutOfRangeKeepsPhase(t *testing.T) {
	h := newHarness(t, po42())
	h.say(t, "U1", "list")
	h.say(t, "U1", "approve 5")

	if got := h.out.last(t, "U1"); got != msgInvalidItem {
		t.Fatalf("expected invalid item message, got %q", got)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
}

func TestDecide_BeforeListIsInvalidItem(t *testing.T) {
	h := newHarness(t, po42())
	h.say(t, "U1", "approve 1")
	if got := h.out.last(t, "U1"); got != msgInvalidItem {
		t.Fatalf("expected invalid item message, got %q", got)
	}
}

func TestConfirmation_AnythingElseCancels(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)
	h.say(t, "U1", "list")

	for _, in := range []string{"no", "maybe", "list"} {
		h.say(t, "U1", "approve 1")
		h.say(t, "U1", in)
		if got := h.out.last(t, "U1"); got != msgCancelled {
			t.Fatalf("input %q: expected cancel, got %q", in, got)
		}
		if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle {
			t.Fatalf("input %q: expected idle, got %s", in, s.Phase)
		}
	}
	if subs := coupa.submissions(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %+v", subs)
	}
}

func TestComment_KeywordsAreOutOfPhase(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)
	for _, in := range []string{"list", "approve 1", "yes", "help"} {
		h.say(t, "U1", in)
	}
	if got := h.out.last(t, "U1"); !strings.HasPrefix(got, "You are about to approve 'PO #42") {
		t.Fatalf("expected comment reminder, got %q", got)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.AwaitingComment {
		t.Fatalf("expected awaiting comment, got %s", s.Phase)
	}

	h.say(t, "U1", "no")
	if subs := coupa.submissions(); len(subs) != 1 || subs[0].Comment != "no" {
		t.Fatalf("expected the reply used as comment, got %+v", subs)
	}
}

func TestComment_SentenceStartingWithKeywordIsComment(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)
	for _, in := range []string{"list", "approve 1", "yes", "Approve it, budget was OKed"} {
		h.say(t, "U1", in)
	}
	if subs := coupa.submissions(); len(subs) != 1 || subs[0].Comment != "Approve it, budget was OKed" {
		t.Fatalf("expected the sentence used as comment, got %+v", subs)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle {
		t.Fatalf("expected idle after dispatch, got %s", s.Phase)
	}
}

func TestTimeout_StaleYesIsRejected(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)
	h.say(t, "U1", "list")
	h.say(t, "U1", "approve 1")

	h.clock.Advance(6 * time.Minute)
	before := len(h.out.messages("U1"))
	h.say(t, "U1", "yes")

	msgs := h.out.messages("U1")[before:]
	if len(msgs) != 2 || !strings.Contains(msgs[0], "timed out") || msgs[1] != msgInvalidCommand {
		t.Fatalf("expected timeout notice then invalid command, got %q", msgs)
	}
	if subs := coupa.submissions(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %+v", subs)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle || s.Pending != nil {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
}

func TestExpireStale_NotifiesUser(t *testing.T) {
	h := newHarness(t, po42())
	h.say(t, "U1", "list")
	h.say(t, "U1", "approve 1")
	h.say(t, "U1", "yes")

	if n := h.orch.ExpireStale(context.Background()); n != 0 {
		t.Fatalf("expected nothing expired yet, got %d", n)
	}
	h.clock.Advance(11 * time.Minute)
	if n := h.orch.ExpireStale(context.Background()); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if got := h.out.last(t, "U1"); !strings.HasPrefix(got, "Your request to approve 'PO #42") {
		t.Fatalf("unexpected timeout notice: %q", got)
	}
	if s := h.store.CreateOrGet("U1"); s.Phase != session.Idle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
}

func TestList_IsIdempotent(t *testing.T) {
	h := newHarness(t, po42(), &stubAdapter{
		system: approval.SystemJira,
		items:  []approval.Item{{ID: "OPS-1", Summary: "Access request", Link: "https://jira.example.com/browse/OPS-1"}},
	})
	h.say(t, "U1", "list")
	h.say(t, "U1", "List  Approvals")

	msgs := h.out.messages("U1")
	if len(msgs) != 2 || msgs[0] != msgs[1] {
		t.Fatalf("expected identical lists, got %q", msgs)
	}
	if !strings.Contains(msgs[0], "2. Access request (no date) - https://jira.example.com/browse/OPS-1") {
		t.Fatalf("expected jira item second, got %q", msgs[0])
	}
}

func TestInteraction_StartsConfirmation(t *testing.T) {
	h := newHarness(t, po42())
	h.say(t, "U1", "list")
	if err := h.orch.HandleInteraction(context.Background(), "U1", "reject", "1"); err != nil {
		t.Fatalf("HandleInteraction error: %v", err)
	}
	if got := h.out.last(t, "U1"); !strings.HasPrefix(got, "Please confirm that you wish to reject 'PO #42") {
		t.Fatalf("unexpected prompt: %q", got)
	}

	if err := h.orch.HandleInteraction(context.Background(), "U2", "archive", "1"); err != nil {
		t.Fatalf("HandleInteraction error: %v", err)
	}
	if got := h.out.last(t, "U2"); got != msgInvalidCommand {
		t.Fatalf("expected invalid command for unknown action, got %q", got)
	}
}

func TestList_AllSystemsFailKeepsPreviousList(t *testing.T) {
	coupa := po42()
	h := newHarness(t, coupa)
	h.say(t, "U1", "list")

	coupa.err = errors.New("coupa down")
	err := h.orch.HandleMessage(context.Background(), "U1", "list")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if got := h.out.last(t, "U1"); got != msgUnreachable {
		t.Fatalf("expected unreachable message, got %q", got)
	}
	if s := h.store.CreateOrGet("U1"); len(s.Approvals) != 1 || s.Approvals[0].ID != "42" {
		t.Fatalf("expected previous list kept, got %+v", s.Approvals)
	}
}

func TestList_PartialFailureIsNoted(t *testing.T) {
	h := newHarness(t, po42(), &stubAdapter{system: approval.SystemJira, err: errors.New("jira down")})
	h.say(t, "U1", "list")

	got := h.out.last(t, "U1")
	if !strings.Contains(got, "1. PO #42") || !strings.Contains(got, "Note: jira could not be reached") {
		t.Fatalf("expected degraded list, got %q", got)
	}
}

func TestDispatch_UnregisteredSystem(t *testing.T) {
	h := newHarness(t, po42())
	_ = h.store.WithSession("U1", func(s *session.Session) error {
		s.ReplaceApprovals([]approval.Item{{System: approval.SystemWorkday, ID: "w1", Summary: "Timesheet"}})
		return nil
	})
	h.say(t, "U1", "approve 1")
	h.say(t, "U1", "yes")

	err := h.orch.HandleMessage(context.Background(), "U1", "ok")
	var cfgErr *dispatch.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.System != approval.SystemWorkday {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := h.out.last(t, "U1"); !strings.HasPrefix(got, "Failed to approve 'Timesheet") {
		t.Fatalf("expected failure message, got %q", got)
	}
	if recs := h.audit.all(); len(recs) != 0 {
		t.Fatalf("expected no audit, got %+v", recs)
	}
}

func TestUsers_DoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	coupa := po42()
	coupa.block = map[string]chan struct{}{"UA": release}
	h := newHarness(t, coupa)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.HandleMessage(context.Background(), "UA", "list")
	}()

	start := time.Now()
	h.say(t, "UB", "list")
	h.say(t, "UB", "approve 1")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("user B waited on user A: %s", elapsed)
	}
	if got := h.out.last(t, "UB"); !strings.HasPrefix(got, "Please confirm") {
		t.Fatalf("unexpected message for UB: %q", got)
	}

	// UA's session is not locked while its fetch is in flight.
	h.say(t, "UA", "help")

	close(release)
	<-done
}

func TestDeliverApprovals(t *testing.T) {
	h := newHarness(t, po42())

	if err := h.orch.DeliverApprovals(context.Background(), "U1"); err != nil {
		t.Fatalf("DeliverApprovals error: %v", err)
	}
	if got := h.out.last(t, "U1"); !strings.HasPrefix(got, "You have pending approvals:") {
		t.Fatalf("expected list, got %q", got)
	}

	h.say(t, "U1", "approve 1")
	before := len(h.out.messages("U1"))
	if err := h.orch.DeliverApprovals(context.Background(), "U1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := len(h.out.messages("U1")); got != before {
		t.Fatal("expected nothing sent to a busy user")
	}
}

func TestDeliverApprovals_NothingPendingSendsNothing(t *testing.T) {
	h := newHarness(t, &stubAdapter{system: approval.SystemBrex})
	if err := h.orch.DeliverApprovals(context.Background(), "U1"); err != nil {
		t.Fatalf("DeliverApprovals error: %v", err)
	}
	if msgs := h.out.messages("U1"); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %q", msgs)
	}
}

func TestHelpListsKeywords(t *testing.T) {
	h := newHarness(t)
	h.say(t, "U1", "HELP")
	got := h.out.last(t, "U1")
	for _, want := range []string{"Commands:", "'list approvals'", "'approve N'", "'reject N'"} {
		if !strings.Contains(got, want) {
			t.Fatalf("help missing %q: %q", want, got)
		}
	}
}

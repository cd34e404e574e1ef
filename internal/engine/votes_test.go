package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/events"
	"quorum/internal/repo"
)

func (env testEnv) request(t *testing.T, item domain.WorkItem, definitionID, target string) domain.Vote {
	t.Helper()
	v, err := env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{
		Kind:         item.Kind,
		ItemID:       item.ID,
		DefinitionID: definitionID,
		TargetType:   domain.TargetUser,
		TargetID:     target,
		ActorID:      "requester",
	})
	if err != nil {
		t.Fatalf("request vote for %s: %v", target, err)
	}
	return v
}

func (env testEnv) answer(t *testing.T, voteID string, status domain.Status, comment string) domain.Vote {
	t.Helper()
	v, err := env.Engine.AnswerVote(env.Ctx, voteID, engine.VoteAnswerOptions{Status: status, Comment: comment, ActorID: "validator"})
	if err != nil {
		t.Fatalf("answer %s: %v", voteID, err)
	}
	return v
}

func (env testEnv) itemStatus(t *testing.T, item domain.WorkItem) domain.Status {
	t.Helper()
	it, err := env.Engine.GetWorkItem(env.Ctx, item.Kind, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return it.GlobalValidation
}

func TestRequestVoteReusesStepInstance(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "new laptop")

	first := env.request(t, item, "", "alice")
	if first.Status != domain.StatusWaiting || first.RequesterID != "requester" {
		t.Fatalf("unexpected vote %+v", first)
	}
	if env.itemStatus(t, item) != domain.StatusWaiting {
		t.Fatalf("item should wait after first vote")
	}
	second := env.request(t, item, env.Default.ID, "bob")
	if first.StepInstanceID != second.StepInstanceID {
		t.Fatalf("votes for the same definition must share an instance: %s vs %s", first.StepInstanceID, second.StepInstanceID)
	}
	si, err := env.Engine.GetStepInstance(env.Ctx, first.StepInstanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if si.DefinitionID != env.Default.ID || si.MinimalRequiredPercent != 100 || si.ItemID != item.ID {
		t.Fatalf("unexpected instance %+v", si)
	}

	env.answer(t, first.ID, domain.StatusAccepted, "")
	if env.itemStatus(t, item) != domain.StatusWaiting {
		t.Fatalf("100%% threshold still waits on bob")
	}
	env.answer(t, second.ID, domain.StatusAccepted, "ok")
	if env.itemStatus(t, item) != domain.StatusAccepted {
		t.Fatalf("all accepted should accept the item")
	}
}

func TestRequestVoteValidation(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "badge")

	_, err := env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{Kind: domain.ItemTicket, ItemID: item.ID, DefinitionID: "nope", TargetType: domain.TargetUser, TargetID: "alice", ActorID: "requester"})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "step definition" {
		t.Fatalf("expected definition not found, got %v", err)
	}
	_, err = env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{Kind: domain.ItemChange, ItemID: item.ID, TargetType: domain.TargetUser, TargetID: "alice", ActorID: "requester"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
	_, err = env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{Kind: domain.ItemTicket, ItemID: item.ID, TargetType: domain.TargetUser, ActorID: "requester"})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected missing target error, got %v", err)
	}
	bad := 150
	_, err = env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{Kind: domain.ItemTicket, ItemID: item.ID, TargetType: domain.TargetGroup, TargetID: "ops", ThresholdOverride: &bad, ActorID: "requester"})
	var perr domain.InvalidPercentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected invalid percent, got %v", err)
	}
	votes, err := env.Engine.ListVotes(env.Ctx, domain.ItemTicket, item.ID)
	if err != nil || len(votes) != 0 {
		t.Fatalf("rejected requests must not persist votes: %d %v", len(votes), err)
	}
}

func TestRefusalRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "vpn access")
	v := env.request(t, item, "", "alice")

	_, err := env.Engine.AnswerVote(env.Ctx, v.ID, engine.VoteAnswerOptions{Status: domain.StatusRefused, Comment: "   ", ActorID: "alice"})
	if !errors.Is(err, domain.ErrMissingRefusalReason) {
		t.Fatalf("expected missing refusal reason, got %v", err)
	}
	got, err := env.Engine.GetVote(env.Ctx, v.ID)
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if got.Status != domain.StatusWaiting || got.AnsweredAt != nil {
		t.Fatalf("rejected refusal must not change the vote: %+v", got)
	}

	refused := env.answer(t, v.ID, domain.StatusRefused, "no budget")
	if refused.AnsweredAt == nil || refused.ValidatorID != "validator" || refused.ValidationComment != "no budget" {
		t.Fatalf("refusal not recorded: %+v", refused)
	}
	if env.itemStatus(t, item) != domain.StatusRefused {
		t.Fatalf("item should be refused")
	}

	back := env.answer(t, v.ID, domain.StatusWaiting, "")
	if back.AnsweredAt != nil {
		t.Fatalf("returning to waiting must clear the answer time")
	}
	if env.itemStatus(t, item) != domain.StatusWaiting {
		t.Fatalf("item should wait again")
	}
}

func TestDeleteVoteReleasesInstance(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "monitor")
	a := env.request(t, item, "", "alice")
	b := env.request(t, item, "", "bob")
	env.answer(t, b.ID, domain.StatusRefused, "not needed")

	if err := env.Engine.DeleteVote(env.Ctx, b.ID, "requester"); err != nil {
		t.Fatalf("delete vote: %v", err)
	}
	if _, err := env.Engine.GetStepInstance(env.Ctx, a.StepInstanceID); err != nil {
		t.Fatalf("instance still referenced by alice must survive: %v", err)
	}
	if env.itemStatus(t, item) != domain.StatusWaiting {
		t.Fatalf("deleting the refusal should leave the item waiting")
	}

	if err := env.Engine.DeleteVote(env.Ctx, a.ID, "requester"); err != nil {
		t.Fatalf("delete last vote: %v", err)
	}
	_, err := env.Engine.GetStepInstance(env.Ctx, a.StepInstanceID)
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "step instance" {
		t.Fatalf("instance without votes must be released, got %v", err)
	}
	if env.itemStatus(t, item) != domain.StatusNone {
		t.Fatalf("item without votes is not subject to approval")
	}
	if err := env.Engine.DeleteVote(env.Ctx, a.ID, "requester"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReassignVoteToAnotherDefinition(t *testing.T) {
	env := newTestEnv(t)
	board := env.definition(t, "Board", 50)
	item := env.ticket(t, "server")
	v := env.request(t, item, "", "alice")
	old := v.StepInstanceID

	updated, err := env.Engine.UpdateVote(env.Ctx, v.ID, engine.VoteUpdateOptions{DefinitionID: &board.ID, ActorID: "requester"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if updated.StepInstanceID == old {
		t.Fatalf("vote should move to a new instance")
	}
	si, err := env.Engine.GetStepInstance(env.Ctx, updated.StepInstanceID)
	if err != nil || si.DefinitionID != board.ID || si.MinimalRequiredPercent != 50 {
		t.Fatalf("unexpected new instance %+v %v", si, err)
	}
	if _, err := env.Engine.GetStepInstance(env.Ctx, old); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old instance should be released, got %v", err)
	}

	comment := "please hurry"
	if _, err := env.Engine.UpdateVote(env.Ctx, v.ID, engine.VoteUpdateOptions{SubmissionComment: &comment, ActorID: "requester"}); err != nil {
		t.Fatalf("edit comment while waiting: %v", err)
	}
	env.answer(t, v.ID, domain.StatusAccepted, "")
	_, err = env.Engine.UpdateVote(env.Ctx, v.ID, engine.VoteUpdateOptions{SubmissionComment: &comment, ActorID: "requester"})
	if !errors.Is(err, domain.ErrAnswered) {
		t.Fatalf("expected answered error, got %v", err)
	}
}

func TestThresholdOverride(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "contract")
	a := env.request(t, item, "", "alice")
	b := env.request(t, item, "", "bob")
	env.answer(t, a.ID, domain.StatusAccepted, "")
	env.answer(t, b.ID, domain.StatusRefused, "too expensive")
	if env.itemStatus(t, item) != domain.StatusRefused {
		t.Fatalf("50%% accepted under a 100%% threshold is refused")
	}

	si, err := env.Engine.ApplyThresholdOverride(env.Ctx, a.StepInstanceID, 50, "admin")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if si.MinimalRequiredPercent != 50 {
		t.Fatalf("override not applied: %+v", si)
	}
	if env.itemStatus(t, item) != domain.StatusAccepted {
		t.Fatalf("lowering the threshold should accept the item")
	}
	if _, err := env.Engine.ApplyThresholdOverride(env.Ctx, a.StepInstanceID, 50, "admin"); err != nil {
		t.Fatalf("repeat override: %v", err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{Type: events.StepInstanceThreshold})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("unchanged override must be a no-op, got %d threshold events", len(evts))
	}

	_, err = env.Engine.ApplyThresholdOverride(env.Ctx, a.StepInstanceID, -5, "admin")
	var perr domain.InvalidPercentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected invalid percent, got %v", err)
	}
	_, err = env.Engine.ApplyThresholdOverride(env.Ctx, "missing", 10, "admin")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	zero := 0
	c := env.request(t, item, "", "carol")
	if _, err := env.Engine.UpdateVote(env.Ctx, c.ID, engine.VoteUpdateOptions{ThresholdOverride: &zero, ActorID: "requester"}); err != nil {
		t.Fatalf("override through vote: %v", err)
	}
	if env.itemStatus(t, item) != domain.StatusAccepted {
		t.Fatalf("zero threshold with an acceptance is accepted")
	}
}

func TestThresholdOverrideWithVoteRecomputesOnce(t *testing.T) {
	env := newTestEnv(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	env.Engine.Log = logger
	item := env.ticket(t, "vendor")

	recomputations := func() int {
		n := 0
		for _, entry := range hook.AllEntries() {
			if entry.Data["item_id"] != item.ID {
				continue
			}
			if entry.Message == "work item validation changed" || entry.Message == "work item validation recomputed" {
				n++
			}
		}
		hook.Reset()
		return n
	}

	percent := 60
	v, err := env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{
		Kind:              item.Kind,
		ItemID:            item.ID,
		TargetType:        domain.TargetUser,
		TargetID:          "alice",
		ThresholdOverride: &percent,
		ActorID:           "requester",
	})
	if err != nil {
		t.Fatalf("request with override: %v", err)
	}
	if n := recomputations(); n != 1 {
		t.Fatalf("request with override recomputed the item %d times", n)
	}

	lower := 40
	if _, err := env.Engine.UpdateVote(env.Ctx, v.ID, engine.VoteUpdateOptions{ThresholdOverride: &lower, ActorID: "requester"}); err != nil {
		t.Fatalf("update with override: %v", err)
	}
	if n := recomputations(); n != 1 {
		t.Fatalf("update with override recomputed the item %d times", n)
	}

	same := 40
	if _, err := env.Engine.UpdateVote(env.Ctx, v.ID, engine.VoteUpdateOptions{ThresholdOverride: &same, ActorID: "requester"}); err != nil {
		t.Fatalf("update with unchanged override: %v", err)
	}
	if n := recomputations(); n != 1 {
		t.Fatalf("unchanged override must still recompute once, got %d", n)
	}
}

func TestRefusedStepDominatesWaitingStep(t *testing.T) {
	env := newTestEnv(t)
	board := env.definition(t, "Board", 50)
	item := env.ticket(t, "merger")
	env.request(t, item, "", "alice")
	b := env.request(t, item, board.ID, "bob")
	env.answer(t, b.ID, domain.StatusRefused, "no")

	sum, err := env.Engine.ValidationSummary(env.Ctx, item.Kind, item.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Steps) != 2 {
		t.Fatalf("expected two steps, got %d", len(sum.Steps))
	}
	if sum.Steps[0].Status != domain.StatusWaiting || sum.Steps[0].DefinitionName != "Approval" {
		t.Fatalf("unexpected first step %+v", sum.Steps[0])
	}
	if sum.Steps[1].Status != domain.StatusRefused || sum.Steps[1].Achievements.Refused != 100 {
		t.Fatalf("unexpected second step %+v", sum.Steps[1])
	}
	if sum.Status != domain.StatusRefused || env.itemStatus(t, item) != domain.StatusRefused {
		t.Fatalf("refused step must refuse the item")
	}
}

func TestPendingCount(t *testing.T) {
	env := newTestEnv(t)
	one := env.ticket(t, "one")
	two := env.ticket(t, "two")
	change, err := env.Engine.CreateWorkItem(env.Ctx, domain.ItemChange, "three", "tester")
	if err != nil {
		t.Fatalf("create change: %v", err)
	}
	env.request(t, one, "", "alice")
	env.request(t, one, "", "alice")
	done := env.request(t, two, "", "alice")
	env.answer(t, done.ID, domain.StatusAccepted, "")
	if _, err := env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{
		Kind: domain.ItemChange, ItemID: change.ID, TargetType: domain.TargetGroup, TargetID: "ops", ActorID: "requester",
	}); err != nil {
		t.Fatalf("group vote: %v", err)
	}

	n, err := env.Engine.PendingCount(env.Ctx, "alice", nil)
	if err != nil || n != 1 {
		t.Fatalf("alice pending: %d %v", n, err)
	}
	n, err = env.Engine.PendingCount(env.Ctx, "alice", []string{"ops", "dev"})
	if err != nil || n != 2 {
		t.Fatalf("alice with groups pending: %d %v", n, err)
	}
	n, err = env.Engine.PendingCount(env.Ctx, "", nil)
	if err != nil || n != 0 {
		t.Fatalf("no target pending: %d %v", n, err)
	}
}

func TestConcurrentRequestsConvergeOnOneInstance(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "race")
	const voters = 8
	var wg sync.WaitGroup
	errs := make(chan error, voters)
	ids := make(chan string, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := env.Engine.RequestVote(env.Ctx, engine.VoteRequestOptions{
				Kind: domain.ItemTicket, ItemID: item.ID, TargetType: domain.TargetUser, TargetID: string(rune('a' + i)), ActorID: "requester",
			})
			if err != nil {
				errs <- err
				return
			}
			ids <- v.StepInstanceID
		}(i)
	}
	wg.Wait()
	close(errs)
	close(ids)
	for err := range errs {
		t.Fatalf("concurrent request: %v", err)
	}
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one step instance, got %d", len(seen))
	}
	instances, err := env.Engine.ListStepInstances(env.Ctx, domain.ItemTicket, item.ID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("expected one stored instance: %d %v", len(instances), err)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	item := env.ticket(t, "audit")
	v := env.request(t, item, "", "alice")
	env.answer(t, v.ID, domain.StatusAccepted, "")
	if err := env.Engine.DeleteVote(env.Ctx, v.ID, "requester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, typ := range []string{
		events.VoteRequested, events.VoteAnswered, events.VoteDeleted,
		events.StepInstanceCreated, events.StepInstanceReleased, events.ItemValidationChanged,
	} {
		evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{Type: typ})
		if err != nil {
			t.Fatalf("list %s: %v", typ, err)
		}
		if len(evts) == 0 {
			t.Fatalf("missing %s event", typ)
		}
	}
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shipline/internal/bus"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/repo"
	"shipline/internal/status"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *bus.Recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &bus.Recorder{}
	eng := engine.New(conn, config.Default("demo"))
	eng.Bus = rec
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Bus: rec, Ctx: context.Background()}
}

func (env testEnv) createProject(t *testing.T, slug string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		Slug:          slug,
		Name:          "Demo " + slug,
		OwnerID:       "pm-1",
		ImplementerID: "dev-1",
		ActorID:       "pm-1",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// createPlannedProject gets a project through approval and plan generation
// so sprint 1 is AWAITING_APPROVAL and the rest PLANNED.
func (env testEnv) createPlannedProject(t *testing.T, slug string, sprints int) (domain.Project, []domain.Sprint) {
	t.Helper()
	p := env.createProject(t, slug)
	if _, err := env.Engine.SetApprovalStatus(env.Ctx, p.ID, status.ApprovalApproved, "pm-1"); err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	plans := make([]engine.SprintPlan, sprints)
	for i := range plans {
		plans[i] = engine.SprintPlan{Name: "Sprint", Goal: "goal"}
	}
	res, err := env.Engine.GeneratePlan(env.Ctx, engine.GeneratePlanOptions{
		ProjectID:    p.ID,
		Backlog:      "## Sprint 1\n\n- item one\n\n## Sprint 2\n\n- item two",
		Architecture: "layered",
		Sprints:      plans,
		ActorID:      "pm-1",
	})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	return res.Project, res.Sprints
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: "x", OwnerID: "pm-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "slug" {
		t.Fatalf("want slug validation error, got %v", err)
	}
	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Slug: "x", Name: "x"})
	if !errors.As(err, &ve) {
		t.Fatalf("want owner-or-implementer validation error, got %v", err)
	}
	env.createProject(t, "dup")
	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		Slug: "dup", Name: "again", OwnerID: "pm-1",
	})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("want ErrConflict on duplicate slug, got %v", err)
	}
}

func TestProjectTransitionChain(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.createPlannedProject(t, "chain", 1)
	if p.Status != status.ProjectInProgress {
		t.Fatalf("after plan generation status = %s", p.Status)
	}

	steps := []struct{ from, to string }{
		{status.ProjectInProgress, status.ProjectComplete},
		{status.ProjectComplete, status.ProjectApproved},
		{status.ProjectApproved, status.ProjectFinished},
	}
	for _, step := range steps {
		var err error
		p, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
			ProjectID: p.ID, ExpectedStatus: step.from, TargetStatus: step.to, ActorID: "pm-1",
		})
		if err != nil {
			t.Fatalf("%s -> %s: %v", step.from, step.to, err)
		}
		if p.Status != step.to {
			t.Fatalf("status after %s -> %s is %s", step.from, step.to, p.Status)
		}
	}
	if p.ArchivedAt == nil {
		t.Fatal("FINISHED project must carry archivedAt")
	}

	hist, err := env.Engine.Repo.ListProjectHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	// plan generation writes one row, each transition one more
	if len(hist) != 4 {
		t.Fatalf("history rows = %d, want 4", len(hist))
	}
	for i, step := range steps {
		h := hist[i+1]
		if h.OldStatus != step.from || h.NewStatus != step.to {
			t.Fatalf("history[%d] = %s -> %s, want %s -> %s", i+1, h.OldStatus, h.NewStatus, step.from, step.to)
		}
	}
}

func TestProjectTransitionRejections(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.createPlannedProject(t, "rej", 1)

	// self-transition
	_, err := env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: p.ID, ExpectedStatus: status.ProjectInProgress, TargetStatus: status.ProjectInProgress, ActorID: "pm-1",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("self-transition: want InvalidTransitionError, got %v", err)
	}
	// skipping a step
	for _, target := range []string{status.ProjectApproved, status.ProjectFinished} {
		_, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
			ProjectID: p.ID, ExpectedStatus: status.ProjectInProgress, TargetStatus: target, ActorID: "pm-1",
		})
		if !errors.As(err, &ite) {
			t.Fatalf("IN_PROGRESS -> %s: want InvalidTransitionError, got %v", target, err)
		}
	}
	// legacy statuses have no outgoing edges
	_, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: p.ID, ExpectedStatus: status.ProjectActive, TargetStatus: status.ProjectComplete, ActorID: "pm-1",
	})
	if !errors.As(err, &ite) {
		t.Fatalf("legacy source: want InvalidTransitionError, got %v", err)
	}
	// unknown status value
	_, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: p.ID, ExpectedStatus: "BOGUS", TargetStatus: status.ProjectComplete, ActorID: "pm-1",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown status: want ValidationError, got %v", err)
	}
	// stale expected status yields conflict, not invalid transition
	_, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: p.ID, ExpectedStatus: status.ProjectComplete, TargetStatus: status.ProjectApproved, ActorID: "pm-1",
	})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("stale expected: want ErrConflict, got %v", err)
	}
	// missing project
	_, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: "nope", ExpectedStatus: status.ProjectInProgress, TargetStatus: status.ProjectComplete, ActorID: "pm-1",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing project: want ErrNotFound, got %v", err)
	}
}

func TestTransitionExactlyOnceUnderRace(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.createPlannedProject(t, "race", 1)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
				ProjectID:      p.ID,
				ExpectedStatus: status.ProjectInProgress,
				TargetStatus:   status.ProjectComplete,
				ActorID:        "pm-1",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, engine.ErrConflict) {
			t.Fatalf("loser saw %v, want ErrConflict", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	hist, err := env.Engine.Repo.ListProjectHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history rows = %d, want 2 (plan generation + one transition)", len(hist))
	}
}

func TestArchivedAtClearedOnReopen(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.createPlannedProject(t, "reopen", 1)
	var err error
	for _, to := range []string{status.ProjectComplete, status.ProjectApproved, status.ProjectFinished} {
		from := p.Status
		p, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
			ProjectID: p.ID, ExpectedStatus: from, TargetStatus: to, ActorID: "pm-1",
		})
		if err != nil {
			t.Fatalf("%s -> %s: %v", from, to, err)
		}
	}
	if p.ArchivedAt == nil {
		t.Fatal("archivedAt not set on FINISHED")
	}

	// APPROVED -> COMPLETE clears archivedAt on a fresh project taken to
	// APPROVED then back
	p2, _ := env.createPlannedProject(t, "reopen2", 1)
	for _, to := range []string{status.ProjectComplete, status.ProjectApproved} {
		p2, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
			ProjectID: p2.ID, ExpectedStatus: p2.Status, TargetStatus: to, ActorID: "pm-1",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	p2, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
		ProjectID: p2.ID, ExpectedStatus: status.ProjectApproved, TargetStatus: status.ProjectComplete, ActorID: "pm-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p2.ArchivedAt != nil {
		t.Fatal("archivedAt must be nil on non-archival status")
	}
}

func TestGeneratePlanRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "pending")
	_, err := env.Engine.GeneratePlan(env.Ctx, engine.GeneratePlanOptions{
		ProjectID: p.ID,
		Sprints:   []engine.SprintPlan{{Name: "s1", Goal: "g"}},
		ActorID:   "pm-1",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError while PENDING, got %v", err)
	}
}

func TestGeneratePlanShape(t *testing.T) {
	env := newTestEnv(t)
	p, sprints := env.createPlannedProject(t, "shape", 3)
	if len(sprints) != 3 {
		t.Fatalf("sprint count = %d", len(sprints))
	}
	if sprints[0].Status != status.SprintAwaitingApproval {
		t.Fatalf("sprint 1 status = %s", sprints[0].Status)
	}
	for _, s := range sprints[1:] {
		if s.Status != status.SprintPlanned {
			t.Fatalf("sprint %d status = %s", s.Number, s.Status)
		}
	}
	for i, s := range sprints {
		if s.Number != i+1 {
			t.Fatalf("sprint numbering %v", sprints)
		}
	}
	if _, err := env.Engine.Repo.LatestArtifact(env.Ctx, p.ID, "BACKLOG"); err != nil {
		t.Fatalf("backlog artifact: %v", err)
	}
	if _, err := env.Engine.Repo.LatestArtifact(env.Ctx, p.ID, "ARCHITECTURE"); err != nil {
		t.Fatalf("architecture artifact: %v", err)
	}

	hist, err := env.Engine.Repo.ListProjectHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].OldStatus != status.ProjectIntake || hist[0].NewStatus != status.ProjectInProgress {
		t.Fatalf("plan history = %+v", hist)
	}

	sends := env.Bus.Sends()
	if len(sends) == 0 || sends[len(sends)-1].Event != "project.kickoff" {
		t.Fatalf("want trailing project.kickoff, got %v", sends)
	}
}

func TestApproveAndRejectSprint(t *testing.T) {
	env := newTestEnv(t)
	_, sprints := env.createPlannedProject(t, "gate", 2)

	// reject re-queues without touching anything else
	res, err := env.Engine.RejectSprint(env.Ctx, sprints[0].ID, "pm-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Sprint.Status != status.SprintPlanned {
		t.Fatalf("after reject status = %s", res.Sprint.Status)
	}
	// a PLANNED sprint cannot be approved
	if _, err := env.Engine.ApproveSprint(env.Ctx, sprints[0].ID, "pm-1"); err == nil {
		t.Fatal("approve of PLANNED sprint must fail")
	}

	// put it back at the gate by hand and approve
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.UpdateSprintStatusTx(env.Ctx, tx, sprints[0].ID, status.SprintPlanned, status.SprintAwaitingApproval, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, err = env.Engine.ApproveSprint(env.Ctx, sprints[0].ID, "pm-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Sprint.Status != status.SprintInProgress {
		t.Fatalf("after approve status = %s", res.Sprint.Status)
	}
	if res.Sprint.StartedAt == nil {
		t.Fatal("approve must stamp startedAt")
	}
	if !res.EventSent {
		t.Fatal("approve with healthy bus must report EventSent")
	}
	// only the owner or implementer may operate the gate
	if _, err := env.Engine.ApproveSprint(env.Ctx, sprints[1].ID, "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("stranger: want ErrForbidden, got %v", err)
	}
}

func TestApproveSprintBusFailureStillCommits(t *testing.T) {
	env := newTestEnv(t)
	_, sprints := env.createPlannedProject(t, "busfail", 1)
	env.Bus.Err = errors.New("webhook down")

	res, err := env.Engine.ApproveSprint(env.Ctx, sprints[0].ID, "pm-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.EventSent {
		t.Fatal("EventSent must be false when the bus errors")
	}
	s, err := env.Engine.Repo.GetSprint(env.Ctx, sprints[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != status.SprintInProgress {
		t.Fatalf("status = %s, commit must survive bus failure", s.Status)
	}
}

func TestSetApprovalStatus(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "appr")
	p2, err := env.Engine.SetApprovalStatus(env.Ctx, p.ID, status.ApprovalRevisionRequested, "pm-1")
	if err != nil {
		t.Fatal(err)
	}
	if p2.ApprovalStatus != status.ApprovalRevisionRequested {
		t.Fatalf("approval = %s", p2.ApprovalStatus)
	}
	if _, err := env.Engine.SetApprovalStatus(env.Ctx, p.ID, "MAYBE", "pm-1"); err == nil {
		t.Fatal("unknown approval value must fail")
	}
	if _, err := env.Engine.SetApprovalStatus(env.Ctx, p.ID, status.ApprovalApproved, "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("stranger: want ErrForbidden, got %v", err)
	}
}

func TestReinitiate(t *testing.T) {
	env := newTestEnv(t)
	p, sprints := env.createPlannedProject(t, "reinit", 2)

	env.Bus.Reset()
	res, err := env.Engine.Reinitiate(env.Ctx, p.ID, "pm-1")
	if err != nil {
		t.Fatalf("reinitiate: %v", err)
	}
	if res.SprintID != sprints[0].ID {
		t.Fatalf("reinitiate targeted %s, want active sprint %s", res.SprintID, sprints[0].ID)
	}
	if !res.Rebuilt {
		t.Fatal("no stored handoff yet, document must be rebuilt")
	}
	if !res.EventSent {
		t.Fatal("event must be re-sent")
	}
	sends := env.Bus.Sends()
	if len(sends) != 1 || sends[0].Event != "sprint.approved" {
		t.Fatalf("sends = %v", sends)
	}
	if sends[0].Payload["reinitiated"] != true {
		t.Fatal("payload must mark the re-send")
	}

	// reinitiate reads, it never writes
	hist, err := env.Engine.Repo.ListSprintHistory(env.Ctx, sprints[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("reinitiate wrote %d history rows", len(hist))
	}

	// terminal project cannot be reinitiated
	pDone, _ := env.createPlannedProject(t, "reinit-done", 1)
	for _, to := range []string{status.ProjectComplete, status.ProjectApproved, status.ProjectFinished} {
		pDone, err = env.Engine.TransitionProject(env.Ctx, engine.ProjectTransitionOptions{
			ProjectID: pDone.ID, ExpectedStatus: pDone.Status, TargetStatus: to, ActorID: "pm-1",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Reinitiate(env.Ctx, pDone.ID, "pm-1"); err == nil {
		t.Fatal("reinitiate of FINISHED project must fail")
	}
}

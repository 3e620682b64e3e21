package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
)

type execKey struct {
	lead, campaign, step uuid.UUID
}

type fakeStore struct {
	steps     []*db.CampaignStep
	stepsErr  error
	leads     map[uuid.UUID]bool
	execs     map[execKey]*db.AutomationExecution
	insertErr map[uuid.UUID]error
}

func newFakeStore(steps []*db.CampaignStep, leads ...uuid.UUID) *fakeStore {
	s := &fakeStore{
		steps:     steps,
		leads:     map[uuid.UUID]bool{},
		execs:     map[execKey]*db.AutomationExecution{},
		insertErr: map[uuid.UUID]error{},
	}
	for _, id := range leads {
		s.leads[id] = true
	}
	return s
}

func (s *fakeStore) ListActiveSteps(ctx context.Context, campaignID uuid.UUID) ([]*db.CampaignStep, error) {
	return s.steps, s.stepsErr
}

func (s *fakeStore) HasExecution(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error) {
	for k := range s.execs {
		if k.lead == leadID && k.campaign == campaignID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetLead(ctx context.Context, id uuid.UUID) (*db.Lead, error) {
	if !s.leads[id] {
		return nil, db.ErrNotFound
	}
	return &db.Lead{ID: id, CompanyName: "Forni Srl"}, nil
}

func (s *fakeStore) CreateExecution(ctx context.Context, exec *db.AutomationExecution) (bool, error) {
	if err := s.insertErr[exec.StepID]; err != nil {
		return false, err
	}
	k := execKey{exec.LeadID, exec.CampaignID, exec.StepID}
	if _, ok := s.execs[k]; ok {
		return false, nil
	}
	s.execs[k] = exec
	return true, nil
}

func (s *fakeStore) forLead(leadID uuid.UUID) []*db.AutomationExecution {
	var out []*db.AutomationExecution
	for _, step := range s.steps {
		for k, e := range s.execs {
			if k.lead == leadID && k.step == step.ID {
				out = append(out, e)
			}
		}
	}
	return out
}

var enrolledAt = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func step(order, days, hours, minutes int) *db.CampaignStep {
	return &db.CampaignStep{
		ID:           uuid.New(),
		StepOrder:    order,
		IsActive:     true,
		ActionType:   "send_email",
		DelayDays:    days,
		DelayHours:   hours,
		DelayMinutes: minutes,
	}
}

func newTestEnroller(store Store) *Enroller {
	e := NewEnroller(store, zap.NewNop())
	e.now = func() time.Time { return enrolledAt }
	return e
}

func TestEnroll_DelaysAreRelativeToStart(t *testing.T) {
	lead := uuid.New()
	store := newFakeStore([]*db.CampaignStep{step(1, 0, 0, 0), step(2, 2, 0, 0), step(3, 5, 0, 0)}, lead)

	created, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{lead}, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 3 {
		t.Errorf("expected 3 executions, got %d", created)
	}

	execs := store.forLead(lead)
	if len(execs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(execs))
	}
	want := []time.Time{enrolledAt, enrolledAt.Add(48 * time.Hour), enrolledAt.Add(120 * time.Hour)}
	for i, e := range execs {
		if !e.ScheduledAt.Equal(want[i]) {
			t.Errorf("step %d scheduled at %v, want %v", i+1, e.ScheduledAt, want[i])
		}
		if e.Status != db.ExecutionStatusPending {
			t.Errorf("step %d status = %s", i+1, e.Status)
		}
	}
}

func TestEnroll_CombinesDelayUnits(t *testing.T) {
	lead := uuid.New()
	store := newFakeStore([]*db.CampaignStep{step(1, 1, 3, 15)}, lead)

	if _, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{lead}, uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	execs := store.forLead(lead)
	if len(execs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(execs))
	}
	if want := enrolledAt.Add(27*time.Hour + 15*time.Minute); !execs[0].ScheduledAt.Equal(want) {
		t.Errorf("scheduled at %v, want %v", execs[0].ScheduledAt, want)
	}
}

func TestEnroll_IsIdempotent(t *testing.T) {
	lead := uuid.New()
	campaign := uuid.New()
	store := newFakeStore([]*db.CampaignStep{step(1, 0, 0, 0), step(2, 1, 0, 0)}, lead)
	e := newTestEnroller(store)

	first, err := e.Enroll(context.Background(), []uuid.UUID{lead}, campaign)
	if err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	second, err := e.Enroll(context.Background(), []uuid.UUID{lead}, campaign)
	if err != nil {
		t.Fatalf("second enroll: %v", err)
	}

	if first != 2 || second != 0 {
		t.Errorf("expected 2 then 0, got %d then %d", first, second)
	}
	if len(store.execs) != 2 {
		t.Errorf("expected 2 rows, got %d", len(store.execs))
	}
}

func TestEnroll_SkipsAlreadyEnrolledLead(t *testing.T) {
	l1, l2 := uuid.New(), uuid.New()
	campaign := uuid.New()
	steps := []*db.CampaignStep{step(1, 0, 0, 0), step(2, 3, 0, 0)}
	store := newFakeStore(steps, l1, l2)

	existing := &db.AutomationExecution{LeadID: l1, CampaignID: campaign, StepID: steps[0].ID, Status: "completed"}
	store.execs[execKey{l1, campaign, steps[0].ID}] = existing

	created, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{l1, l2}, campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Errorf("expected 2 executions, got %d", created)
	}
	if got := store.forLead(l1); len(got) != 1 || got[0] != existing {
		t.Errorf("enrolled lead must keep only its existing row, got %+v", got)
	}
	if got := store.forLead(l2); len(got) != 2 {
		t.Errorf("expected 2 rows for the new lead, got %d", len(got))
	}
}

func TestEnroll_InvalidInput(t *testing.T) {
	store := newFakeStore([]*db.CampaignStep{step(1, 0, 0, 0)})
	e := newTestEnroller(store)

	tests := []struct {
		name     string
		leads    []uuid.UUID
		campaign uuid.UUID
	}{
		{"no_leads", nil, uuid.New()},
		{"empty_leads", []uuid.UUID{}, uuid.New()},
		{"no_campaign", []uuid.UUID{uuid.New()}, uuid.Nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Enroll(context.Background(), tt.leads, tt.campaign); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestEnroll_NoActiveSteps(t *testing.T) {
	store := newFakeStore(nil, uuid.New())
	_, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{uuid.New()}, uuid.New())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "no active steps") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestEnroll_StepLoadError(t *testing.T) {
	store := newFakeStore(nil)
	store.stepsErr = errors.New("connection reset")
	_, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{uuid.New()}, uuid.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidInput) {
		t.Errorf("a storage error must not read as invalid input: %v", err)
	}
}

func TestEnroll_MissingLeadIsSkipped(t *testing.T) {
	known := uuid.New()
	store := newFakeStore([]*db.CampaignStep{step(1, 0, 0, 0)}, known)

	created, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{uuid.New(), known}, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 1 {
		t.Errorf("expected 1 execution, got %d", created)
	}
}

func TestEnroll_InsertFailureSkipsOnlyThatStep(t *testing.T) {
	lead := uuid.New()
	steps := []*db.CampaignStep{step(1, 0, 0, 0), step(2, 1, 0, 0), step(3, 2, 0, 0)}
	store := newFakeStore(steps, lead)
	store.insertErr[steps[1].ID] = errors.New("deadlock detected")

	created, err := newTestEnroller(store).Enroll(context.Background(), []uuid.UUID{lead}, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Errorf("expected 2 executions, got %d", created)
	}
}

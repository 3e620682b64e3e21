package emailqueue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/mailer"
)

var baseTime = time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC)

// memStore mimics the SQL in db.Repository against an in-memory table.
// Like pgx, every call fails once its context is done.
type memStore struct {
	rows     map[uuid.UUID]*db.QueuedEmail
	logs     []*db.EmailLog
	listErr  error
	logErr   error
	stealIDs map[uuid.UUID]bool
	clock    time.Time
}

func newMemStore(rows ...*db.QueuedEmail) *memStore {
	s := &memStore{rows: map[uuid.UUID]*db.QueuedEmail{}, stealIDs: map[uuid.UUID]bool{}, clock: baseTime}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func stale(r *db.QueuedEmail, staleBefore time.Time) bool {
	return r.Status == db.EmailStatusSending && r.UpdatedAt.Before(staleBefore)
}

func (s *memStore) ListDueEmails(ctx context.Context, now, staleBefore time.Time, limit int) ([]*db.QueuedEmail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []*db.QueuedEmail
	for _, r := range s.rows {
		waiting := r.Status == db.EmailStatusPending || r.Status == db.EmailStatusRetrying
		if (waiting && !r.ScheduledAt.After(now) && r.Attempts < r.MaxAttempts) || stale(r, staleBefore) {
			cp := *r
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) ClaimEmail(ctx context.Context, id uuid.UUID, staleBefore time.Time) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r := s.rows[id]
	if s.stealIDs[id] {
		r.Status = db.EmailStatusSending
		r.UpdatedAt = s.clock
	}
	waiting := (r.Status == db.EmailStatusPending || r.Status == db.EmailStatusRetrying) && r.Attempts < r.MaxAttempts
	if !waiting && !stale(r, staleBefore) {
		return 0, false, nil
	}
	r.Status = db.EmailStatusSending
	r.Attempts = min(r.Attempts+1, r.MaxAttempts)
	r.UpdatedAt = s.clock
	return r.Attempts, true, nil
}

func (s *memStore) MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.rows[id]
	r.Status = db.EmailStatusSent
	r.SentAt = &sentAt
	r.ErrorMessage = nil
	return nil
}

func (s *memStore) MarkEmailRetrying(ctx context.Context, id uuid.UUID, errMsg string, next time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.rows[id]
	r.Status = db.EmailStatusRetrying
	r.ErrorMessage = &errMsg
	r.ScheduledAt = next
	return nil
}

func (s *memStore) MarkEmailFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.rows[id]
	r.Status = db.EmailStatusFailed
	r.ErrorMessage = &errMsg
	return nil
}

func (s *memStore) InsertEmailLog(ctx context.Context, entry *db.EmailLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logs = append(s.logs, entry)
	return s.logErr
}

type stubMailer struct {
	fail  map[string]error
	sent  []mailer.Message
	calls int
}

func (m *stubMailer) Send(ctx context.Context, msg mailer.Message) (mailer.Receipt, error) {
	m.calls++
	if err := m.fail[msg.ToEmail]; err != nil {
		return mailer.Receipt{}, err
	}
	m.sent = append(m.sent, msg)
	return mailer.Receipt{Provider: "stub", MessageID: "re_" + msg.ToEmail}, nil
}

// cancellingMailer cancels the run while the provider call is in flight.
type cancellingMailer struct {
	cancel context.CancelFunc
	err    error
}

func (m *cancellingMailer) Send(ctx context.Context, msg mailer.Message) (mailer.Receipt, error) {
	m.cancel()
	if m.err != nil {
		return mailer.Receipt{}, m.err
	}
	return mailer.Receipt{Provider: "stub", MessageID: "re_late"}, nil
}

type recordingAlerter struct {
	alerted []uuid.UUID
	err     error
}

func (a *recordingAlerter) AlertEmailFailed(ctx context.Context, email *db.QueuedEmail, reason string) error {
	a.alerted = append(a.alerted, email.ID)
	return a.err
}

type cancelledPacer struct{}

func (cancelledPacer) Wait(ctx context.Context) error { return context.Canceled }

func queued(to string, attempts int, createdOffset time.Duration) *db.QueuedEmail {
	return &db.QueuedEmail{
		ID:          uuid.New(),
		ToEmail:     to,
		Subject:     "Promemoria",
		HTMLBody:    "<p>ciao</p>",
		FromEmail:   "noreply@officina.local",
		Status:      db.EmailStatusPending,
		Attempts:    attempts,
		MaxAttempts: db.DefaultMaxAttempts,
		ScheduledAt: baseTime.Add(-time.Minute),
		CreatedAt:   baseTime.Add(createdOffset),
		UpdatedAt:   baseTime.Add(createdOffset),
		Metadata:    []byte(`{"notification_type":"nuovo_ordine"}`),
	}
}

func newTestProcessor(store Store, m mailer.Mailer, alerter Alerter) *Processor {
	p := New(store, m, nil, alerter, Config{BatchSize: 10}, zap.NewNop())
	p.now = func() time.Time { return baseTime }
	return p
}

func TestRun_EmptyQueue(t *testing.T) {
	m := &stubMailer{}
	p := newTestProcessor(newMemStore(), m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 0 || m.calls != 0 {
		t.Errorf("expected nothing processed, got %+v with %d sends", summary, m.calls)
	}
}

func TestRun_ReadErrorProcessesNothing(t *testing.T) {
	store := newMemStore(queued("a@example.com", 0, 0))
	store.listErr = errors.New("connection refused")
	m := &stubMailer{}
	p := newTestProcessor(store, m, nil)

	_, err := p.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected read error, got %v", err)
	}
	if m.calls != 0 {
		t.Errorf("expected no sends, got %d", m.calls)
	}
}

func TestRun_SendsDueEmails(t *testing.T) {
	first := queued("primo@example.com", 0, 0)
	second := queued("secondo@example.com", 0, time.Second)
	future := queued("futuro@example.com", 0, 0)
	future.ScheduledAt = baseTime.Add(time.Hour)

	store := newMemStore(first, second, future)
	m := &stubMailer{}
	p := newTestProcessor(store, m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 || summary.Sent != 2 {
		t.Fatalf("expected 2 processed and sent, got %+v", summary)
	}

	if len(m.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(m.sent))
	}
	if m.sent[0].ToEmail != "primo@example.com" {
		t.Errorf("expected oldest first, got %s", m.sent[0].ToEmail)
	}
	if got := m.sent[0].Tags["notification_type"]; got != "nuovo_ordine" {
		t.Errorf("expected notification_type tag, got %q", got)
	}

	row := store.rows[first.ID]
	if row.Status != db.EmailStatusSent || row.Attempts != 1 {
		t.Errorf("expected sent after 1 attempt, got %s/%d", row.Status, row.Attempts)
	}
	if row.SentAt == nil {
		t.Error("expected sent_at to be set")
	}
	if row.ErrorMessage != nil {
		t.Errorf("expected error cleared, got %q", *row.ErrorMessage)
	}
	if got := store.rows[future.ID].Status; got != db.EmailStatusPending {
		t.Errorf("future row should stay pending, got %s", got)
	}
}

func TestRun_RejectedSendSchedulesRetry(t *testing.T) {
	row := queued("not-an-address", 0, 0)
	store := newMemStore(row)
	m := &stubMailer{fail: map[string]error{"not-an-address": errors.New("resend 422: invalid to")}}
	p := newTestProcessor(store, m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 || summary.Sent != 0 || summary.Failed != 0 || summary.Retrying != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got := store.rows[row.ID]
	if got.Status != db.EmailStatusRetrying || got.Attempts != 1 {
		t.Errorf("expected retrying after 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
	if want := baseTime.Add(5 * time.Minute); !got.ScheduledAt.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, got.ScheduledAt)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "invalid to") {
		t.Errorf("expected provider error stored, got %v", got.ErrorMessage)
	}
}

func TestRun_LastAttemptMarksFailedAndAlerts(t *testing.T) {
	row := queued("rotto@example.com", 2, 0)
	store := newMemStore(row)
	m := &stubMailer{fail: map[string]error{"rotto@example.com": errors.New("mailbox unavailable")}}
	alerter := &recordingAlerter{}
	p := newTestProcessor(store, m, alerter)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", summary)
	}
	if got := store.rows[row.ID]; got.Status != db.EmailStatusFailed || got.Attempts != 3 {
		t.Errorf("expected failed after 3 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if len(alerter.alerted) != 1 || alerter.alerted[0] != row.ID {
		t.Errorf("expected one alert for %s, got %v", row.ID, alerter.alerted)
	}

	// failed is terminal: a second run leaves the row alone
	m.calls = 0
	summary, err = p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 0 || m.calls != 0 {
		t.Errorf("expected no work on second run, got %+v with %d sends", summary, m.calls)
	}
	if got := store.rows[row.ID].Status; got != db.EmailStatusFailed {
		t.Errorf("expected failed to stick, got %s", got)
	}
}

func TestRun_SkipsRowClaimedElsewhere(t *testing.T) {
	stolen := queued("altro@example.com", 0, 0)
	mine := queued("mio@example.com", 0, time.Second)
	store := newMemStore(stolen, mine)
	store.stealIDs[stolen.ID] = true
	m := &stubMailer{}
	p := newTestProcessor(store, m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", summary.Processed)
	}
	if len(m.sent) != 1 || m.sent[0].ToEmail != "mio@example.com" {
		t.Errorf("expected only mio@example.com sent, got %+v", m.sent)
	}
}

func TestRun_CancelledMidSendStillSettlesRow(t *testing.T) {
	tests := []struct {
		name       string
		sendErr    error
		wantStatus string
	}{
		{"delivered", nil, db.EmailStatusSent},
		{"provider error", context.Canceled, db.EmailStatusRetrying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := queued("a@example.com", 0, 0)
			store := newMemStore(row)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p := newTestProcessor(store, &cancellingMailer{cancel: cancel, err: tt.sendErr}, nil)

			summary, err := p.Run(ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary.Processed != 1 {
				t.Errorf("expected 1 processed, got %d", summary.Processed)
			}
			if got := store.rows[row.ID].Status; got != tt.wantStatus {
				t.Errorf("expected %s after cancelled run, got %s", tt.wantStatus, got)
			}
			if len(store.logs) != 1 || store.logs[0].Status != tt.wantStatus {
				t.Errorf("expected one %s log entry, got %+v", tt.wantStatus, store.logs)
			}
		})
	}
}

func TestRun_ReclaimsStaleSendingRow(t *testing.T) {
	abandoned := queued("orfano@example.com", 1, 0)
	abandoned.Status = db.EmailStatusSending
	abandoned.UpdatedAt = baseTime.Add(-time.Hour)

	inFlight := queued("in-corso@example.com", 1, time.Second)
	inFlight.Status = db.EmailStatusSending
	inFlight.UpdatedAt = baseTime.Add(-time.Minute)

	store := newMemStore(abandoned, inFlight)
	m := &stubMailer{}
	p := newTestProcessor(store, m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("expected the abandoned row to be sent, got %+v", summary)
	}
	if got := store.rows[abandoned.ID]; got.Status != db.EmailStatusSent || got.Attempts != 2 {
		t.Errorf("expected abandoned row sent on attempt 2, got %s/%d", got.Status, got.Attempts)
	}
	if got := store.rows[inFlight.ID].Status; got != db.EmailStatusSending {
		t.Errorf("row inside its lease must be left alone, got %s", got)
	}
}

func TestRun_StaleRowOnLastAttemptFails(t *testing.T) {
	row := queued("ultimo@example.com", 3, 0)
	row.Status = db.EmailStatusSending
	row.UpdatedAt = baseTime.Add(-time.Hour)
	store := newMemStore(row)
	m := &stubMailer{fail: map[string]error{"ultimo@example.com": errors.New("bounce")}}
	p := newTestProcessor(store, m, nil)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.rows[row.ID]; got.Status != db.EmailStatusFailed || got.Attempts != 3 {
		t.Errorf("expected failed without exceeding max attempts, got %s/%d", got.Status, got.Attempts)
	}
}

func TestRun_SideEffectFailuresDoNotChangeOutcome(t *testing.T) {
	ok := queued("ok@example.com", 0, 0)
	doomed := queued("ko@example.com", 2, time.Second)
	store := newMemStore(ok, doomed)
	store.logErr = errors.New("email_logs unavailable")
	m := &stubMailer{fail: map[string]error{"ko@example.com": errors.New("bounce")}}
	alerter := &recordingAlerter{err: errors.New("sns throttled")}
	p := newTestProcessor(store, m, alerter)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 1 || summary.Failed != 1 {
		t.Errorf("expected 1 sent and 1 failed, got %+v", summary)
	}
	if got := store.rows[ok.ID].Status; got != db.EmailStatusSent {
		t.Errorf("expected sent, got %s", got)
	}
	if got := store.rows[doomed.ID].Status; got != db.EmailStatusFailed {
		t.Errorf("expected failed, got %s", got)
	}

	if len(summary.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(summary.Outcomes))
	}
	for _, out := range summary.Outcomes {
		if len(out.Effects) == 0 {
			t.Errorf("outcome %s has no effects", out.ID)
		}
		for _, e := range out.Effects {
			if e.Err == nil {
				t.Errorf("effect %s: expected error", e.Name)
			}
		}
	}
}

func TestRun_NoAlerterSkipsAlert(t *testing.T) {
	row := queued("ko@example.com", 2, 0)
	store := newMemStore(row)
	m := &stubMailer{fail: map[string]error{"ko@example.com": errors.New("bounce")}}
	p := newTestProcessor(store, m, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(summary.Outcomes))
	}
	effects := summary.Outcomes[0].Effects
	if len(effects) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(effects))
	}
	if effects[1].Name != "failure_alert" || !effects[1].Skipped {
		t.Errorf("expected skipped failure_alert, got %+v", effects[1])
	}
}

func TestRun_CancelledPacerLeavesRowUntouched(t *testing.T) {
	row := queued("a@example.com", 0, 0)
	store := newMemStore(row)
	m := &stubMailer{}
	p := New(store, m, cancelledPacer{}, nil, Config{}, zap.NewNop())

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("expected nothing processed, got %d", summary.Processed)
	}
	if got := store.rows[row.ID]; got.Status != db.EmailStatusPending || got.Attempts != 0 {
		t.Errorf("expected untouched pending row, got %s/%d", got.Status, got.Attempts)
	}
}

func TestRun_RespectsBatchSize(t *testing.T) {
	store := newMemStore(
		queued("a@example.com", 0, 0),
		queued("b@example.com", 0, time.Second),
		queued("c@example.com", 0, 2*time.Second),
	)
	m := &stubMailer{}
	p := New(store, m, nil, nil, Config{BatchSize: 2}, zap.NewNop())
	p.now = func() time.Time { return baseTime }

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 {
		t.Fatalf("expected 2 processed, got %d", summary.Processed)
	}
	if m.sent[0].ToEmail != "a@example.com" || m.sent[1].ToEmail != "b@example.com" {
		t.Errorf("unexpected send order: %s, %s", m.sent[0].ToEmail, m.sent[1].ToEmail)
	}
}

type signalMailer struct {
	sent chan string
}

func (m *signalMailer) Send(ctx context.Context, msg mailer.Message) (mailer.Receipt, error) {
	m.sent <- msg.ToEmail
	return mailer.Receipt{Provider: "signal"}, nil
}

func TestStart_StopsOnCancel(t *testing.T) {
	store := newMemStore(queued("a@example.com", 0, 0))
	m := &signalMailer{sent: make(chan string, 1)}
	p := newTestProcessor(store, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case to := <-m.sent:
		if to != "a@example.com" {
			t.Errorf("unexpected recipient %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("ticker never ran the processor")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

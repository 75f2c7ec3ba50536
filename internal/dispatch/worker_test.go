package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dmcast/internal/discord"
	"dmcast/internal/jobstore"
	"dmcast/internal/targets"
	logx "dmcast/pkg/logx"
)

type fakeClient struct {
	mu      sync.Mutex
	members []discord.Member
	listErr error

	// dm and send override the default happy path when set.
	dm   func(userID string) (string, error)
	send func(channelID, content string) error

	dmCalls   map[string]int
	delivered []string // channel ids in completion order
	contents  []string
}

func newFakeClient(members ...discord.Member) *fakeClient {
	return &fakeClient{members: members, dmCalls: map[string]int{}}
}

func (f *fakeClient) ListMembers(_ context.Context, _ string) ([]discord.Member, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.members, nil
}

func (f *fakeClient) CreateDMChannel(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	f.dmCalls[userID]++
	f.mu.Unlock()
	if f.dm != nil {
		return f.dm(userID)
	}
	return "ch-" + userID, nil
}

func (f *fakeClient) SendMessage(_ context.Context, channelID, content string) error {
	if f.send != nil {
		if err := f.send(channelID, content); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, channelID)
	f.contents = append(f.contents, content)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) deliveredOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func member(id string, bot bool, presence string) discord.Member {
	return discord.Member{
		User:     discord.User{ID: id, Username: "user-" + id, Discriminator: "0", Bot: bot},
		Presence: presence,
	}
}

func newTestService(t *testing.T, fc *fakeClient) *Service {
	t.Helper()
	store := jobstore.New(0, 0)
	svc := New(Config{}, store, func(discord.Session) APIClient { return fc }, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func submitParams() SubmitParams {
	return SubmitParams{
		Session: discord.Session{Token: "tok"},
		GuildID: "g1",
		Message: "hello",
		Filter:  targets.FilterAll,
	}
}

func waitTerminal(t *testing.T, svc *Service, jobID string) jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, ok := svc.Status(jobID)
		if !ok {
			t.Fatalf("job %s disappeared", jobID)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return jobstore.Job{}
}

func TestBroadcastAllNonBots(t *testing.T) {
	t.Parallel()
	members := []discord.Member{
		member("1", false, "online"), member("2", false, "offline"),
		member("3", true, "online"), member("4", false, "idle"),
		member("5", false, ""), member("6", true, "offline"),
		member("7", false, "dnd"), member("8", false, "online"),
		member("9", false, "offline"), member("10", false, "online"),
	}
	fc := newFakeClient(members...)
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.TotalMembers != 8 {
		t.Fatalf("total = %d, want 8 (bots excluded)", j.TotalMembers)
	}
	if j.SentCount != 8 || j.FailedCount != 0 {
		t.Fatalf("sent/failed = %d/%d, want 8/0", j.SentCount, j.FailedCount)
	}
	if j.Progress != 100 {
		t.Fatalf("progress = %d, want 100", j.Progress)
	}
	if j.CompletedAt.IsZero() || j.StartedAt.IsZero() {
		t.Fatal("expected started/completed timestamps to be set")
	}
}

func TestSequentialOrderAtConcurrencyOne(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(
		member("a", false, "online"),
		member("b", false, "online"),
		member("c", false, "online"),
		member("d", false, "online"),
	)
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitTerminal(t, svc, id)

	want := []string{"ch-a", "ch-b", "ch-c", "ch-d"}
	got := fc.deliveredOrder()
	if len(got) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestConcurrentLanesDeliverAll(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(
		member("a", false, "online"), member("b", false, "online"),
		member("c", false, "online"), member("d", false, "online"),
		member("e", false, "online"),
	)
	svc := newTestService(t, fc)

	p := submitParams()
	p.Concurrency = 3
	id, err := svc.Submit(p)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.SentCount != 5 || j.FailedCount != 0 {
		t.Fatalf("sent/failed = %d/%d, want 5/0", j.SentCount, j.FailedCount)
	}
}

func TestDMChannelFailureReason(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"), member("b", false, "online"))
	fc.dm = func(userID string) (string, error) {
		if userID == "b" {
			return "", &discord.APIError{Kind: discord.KindForbidden, Status: 403, Message: "Cannot send messages to this user"}
		}
		return "ch-" + userID, nil
	}
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusCompleted {
		t.Fatalf("status = %s, want completed (per-recipient failures never fail the job)", j.Status)
	}
	if j.SentCount != 1 || j.FailedCount != 1 {
		t.Fatalf("sent/failed = %d/%d, want 1/1", j.SentCount, j.FailedCount)
	}
	if len(j.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(j.Failures))
	}
	f := j.Failures[0]
	if f.Recipient != "user-b" {
		t.Fatalf("failure recipient = %q, want user-b", f.Recipient)
	}
	if f.Reason != "Failed to create DM channel" {
		t.Fatalf("failure reason = %q, want %q", f.Reason, "Failed to create DM channel")
	}
}

func TestSendFailureUsesPlatformMessage(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	fc.send = func(channelID, _ string) error {
		return &discord.APIError{Kind: discord.KindPlatform, Status: 400, Message: "Missing Permissions"}
	}
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.SentCount != 0 || j.FailedCount != 1 {
		t.Fatalf("sent/failed = %d/%d, want 0/1", j.SentCount, j.FailedCount)
	}
	if j.Failures[0].Reason != "Missing Permissions" {
		t.Fatalf("failure reason = %q, want platform message", j.Failures[0].Reason)
	}
}

func TestRateLimitRetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	var calls int
	var mu sync.Mutex
	fc.dm = func(userID string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", &discord.APIError{Kind: discord.KindRateLimited, Status: 429, RetryAfter: time.Millisecond}
		}
		return "ch-" + userID, nil
	}
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.SentCount != 1 || j.FailedCount != 0 {
		t.Fatalf("sent/failed = %d/%d, want 1/0", j.SentCount, j.FailedCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("CreateDMChannel calls = %d, want 2 (one retry)", calls)
	}
}

func TestRateLimitTwiceMarksRecipientFailed(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	fc.dm = func(string) (string, error) {
		return "", &discord.APIError{Kind: discord.KindRateLimited, Status: 429, RetryAfter: time.Millisecond}
	}
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.FailedCount != 1 {
		t.Fatalf("failed = %d, want 1", j.FailedCount)
	}
	if j.Failures[0].Reason != "rate limited" {
		t.Fatalf("failure reason = %q, want %q", j.Failures[0].Reason, "rate limited")
	}
	fc.mu.Lock()
	attempts := fc.dmCalls["a"]
	fc.mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want exactly 2 (single retry)", attempts)
	}
}

func TestResolutionFailureFailsJob(t *testing.T) {
	t.Parallel()
	fc := newFakeClient()
	fc.listErr = &discord.APIError{Kind: discord.KindUnauthorized, Status: 401, Message: "401: Unauthorized"}
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.Error == "" {
		t.Fatal("expected job error to be recorded")
	}
	if j.SentCount != 0 || j.TotalMembers != 0 {
		t.Fatalf("sent/total = %d/%d, want 0/0", j.SentCount, j.TotalMembers)
	}
}

func TestZeroTargetsCompletesImmediately(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("b1", true, "online"), member("b2", true, "online"))
	svc := newTestService(t, fc)

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.TotalMembers != 0 || j.SentCount != 0 || j.FailedCount != 0 {
		t.Fatalf("total/sent/failed = %d/%d/%d, want all 0", j.TotalMembers, j.SentCount, j.FailedCount)
	}
	if j.Progress != 100 {
		t.Fatalf("progress = %d, want 100 for a completed empty broadcast", j.Progress)
	}
}

func TestMentionPlaceholders(t *testing.T) {
	t.Parallel()
	m := member("42", false, "online")
	m.Nick = "Nicky"
	fc := newFakeClient(m)
	svc := newTestService(t, fc)

	p := submitParams()
	p.Message = "hey {user}, aka {username}"
	p.Mentions = true
	id, err := svc.Submit(p)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitTerminal(t, svc, id)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.contents) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(fc.contents))
	}
	got := fc.contents[0]
	if !strings.Contains(got, "<@42>") || !strings.Contains(got, "Nicky") {
		t.Fatalf("content = %q, want mention and display name substituted", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	svc := newTestService(t, fc)

	base := submitParams()
	tests := []struct {
		name   string
		mutate func(*SubmitParams)
	}{
		{"missing token", func(p *SubmitParams) { p.Session.Token = "" }},
		{"missing guild", func(p *SubmitParams) { p.GuildID = "" }},
		{"empty message", func(p *SubmitParams) { p.Message = "   " }},
		{"message too long", func(p *SubmitParams) { p.Message = strings.Repeat("x", 2001) }},
		{"negative delay", func(p *SubmitParams) { p.Delay = -time.Second }},
		{"negative concurrency", func(p *SubmitParams) { p.Concurrency = -1 }},
		{"concurrency above max", func(p *SubmitParams) { p.Concurrency = 100 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := svc.Submit(p)
			if !IsValidation(err) {
				t.Fatalf("Submit error = %v, want validation error", err)
			}
		})
	}

	// Exactly at the limit is accepted.
	p := base
	p.Message = strings.Repeat("x", 2000)
	if _, err := svc.Submit(p); err != nil {
		t.Fatalf("2000-char message rejected: %v", err)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	store := jobstore.New(0, 0)
	svc := New(Config{}, store, func(discord.Session) APIClient { return fc }, logx.Nop())

	_, err := svc.Submit(submitParams())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit error = %v, want ErrNotRunning", err)
	}
}

type denyAll struct{}

func (d *denyAll) Authorize(context.Context, int) error { return fmt.Errorf("insufficient credits") }
func (d *denyAll) Consume(context.Context, int) error   { return nil }

func TestAuthorizerDeniesJob(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(member("a", false, "online"))
	svc := newTestService(t, fc)
	svc.SetAuthorizer(&denyAll{})

	id, err := svc.Submit(submitParams())
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.Status != jobstore.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	fc.mu.Lock()
	attempts := fc.dmCalls["a"]
	fc.mu.Unlock()
	if attempts != 0 {
		t.Fatal("no delivery should be attempted for a denied job")
	}
}

func TestOnlineFilterTargetsActivePresences(t *testing.T) {
	t.Parallel()
	fc := newFakeClient(
		member("on", false, "online"),
		member("idle", false, "idle"),
		member("dnd", false, "dnd"),
		member("off", false, "offline"),
		member("unknown", false, ""),
	)
	svc := newTestService(t, fc)

	p := submitParams()
	p.Filter = targets.FilterOnline
	id, err := svc.Submit(p)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	j := waitTerminal(t, svc, id)

	if j.TotalMembers != 3 {
		t.Fatalf("total = %d, want 3 (online/idle/dnd)", j.TotalMembers)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/izavyalov-dev/delta-report/analysis"
	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/notify"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/state"
)

type stubNotificationStore struct {
	stats  map[string]int64
	cases  []state.SenderCase
	emails map[string]string
}

func (s *stubNotificationStore) GetProject(ctx context.Context, projectID int64) (state.Project, error) {
	return state.Project{ID: projectID, Name: "shop"}, nil
}

func (s *stubNotificationStore) LaunchStatistics(ctx context.Context, launchID int64) (map[string]int64, error) {
	return s.stats, nil
}

func (s *stubNotificationStore) EnabledSenderCases(ctx context.Context, projectID int64) ([]state.SenderCase, error) {
	return s.cases, nil
}

func (s *stubNotificationStore) UserEmail(ctx context.Context, login string) (string, bool, error) {
	email, ok := s.emails[login]
	return email, ok, nil
}

type stubEmailSender struct {
	sent    []notify.LaunchNotification
	failFor map[string]bool
}

func (s *stubEmailSender) SendLaunchFinished(ctx context.Context, n notify.LaunchNotification) error {
	if s.failFor[n.Recipients[0]] {
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, n)
	return nil
}

func TestIsSuccessRateEnough(t *testing.T) {
	stats := map[string]int64{
		state.StatExecutionsTotal:      10,
		state.StatDefectsToInvestigate: 1,
		state.StatDefectsProductBug:    1,
		state.StatDefectsSystemIssue:   0,
		state.StatDefectsAutomationBug: 1,
	}
	cases := []struct {
		sendCase state.SendCase
		status   protocol.Status
		stats    map[string]int64
		want     bool
	}{
		{state.SendCaseAlways, protocol.StatusPassed, nil, true},
		{state.SendCaseFailed, protocol.StatusFailed, nil, true},
		{state.SendCaseFailed, protocol.StatusPassed, nil, false},
		{state.SendCaseToInvestigate, protocol.StatusPassed, stats, true},
		{state.SendCaseToInvestigate, protocol.StatusPassed, map[string]int64{}, false},
		{state.SendCaseMore10, protocol.StatusPassed, stats, true},
		{state.SendCaseMore20, protocol.StatusPassed, stats, true},
		{state.SendCaseMore50, protocol.StatusPassed, stats, false},
		{state.SendCaseMore10, protocol.StatusPassed, map[string]int64{state.StatDefectsProductBug: 4}, false},
		{state.SendCase("UNKNOWN"), protocol.StatusFailed, stats, false},
	}
	for _, tc := range cases {
		if got := IsSuccessRateEnough(tc.sendCase, tc.status, tc.stats); got != tc.want {
			t.Fatalf("%s with status %s: expected %v, got %v", tc.sendCase, tc.status, tc.want, got)
		}
	}
}

func TestLaunchNameAndAttributeRules(t *testing.T) {
	if !LaunchNameMatches(nil, "nightly") {
		t.Fatal("empty name list must match every launch")
	}
	if LaunchNameMatches([]string{"smoke"}, "nightly") {
		t.Fatal("unlisted name must not match")
	}

	launchAttrs := []state.Attribute{
		{Key: "env", Value: "staging"},
		{Key: "build", Value: "42"},
		{Key: "rp.cluster.lastRun", Value: "1", System: true},
	}
	if !AttributesMatch([]state.Attribute{{Key: "env", Value: "staging"}, {Key: "build"}}, launchAttrs) {
		t.Fatal("expected attributes to match")
	}
	if AttributesMatch([]state.Attribute{{Key: "env", Value: "prod"}}, launchAttrs) {
		t.Fatal("different value must not match")
	}
	if AttributesMatch([]state.Attribute{{Key: "rp.cluster.lastRun"}}, launchAttrs) {
		t.Fatal("system attributes must be ignored")
	}
}

func TestFindRecipients(t *testing.T) {
	store := &stubNotificationStore{emails: map[string]string{"alice": "alice@example.org", "bob": "bob@example.org"}}
	runner := NewNotificationRunner(store, nil, nil)

	got, err := runner.FindRecipients(context.Background(), "alice", []string{"OWNER", "qa@example.org", "bob", "ghost", "alice", "qa@example.org"})
	if err != nil {
		t.Fatalf("find recipients: %v", err)
	}
	want := []string{"alice@example.org", "qa@example.org", "bob@example.org"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected recipients (-want +got):\n%s", diff)
	}
}

func TestNotificationRunnerSendsMatchingCases(t *testing.T) {
	store := &stubNotificationStore{
		stats: map[string]int64{state.StatExecutionsTotal: 4, state.StatDefectsToInvestigate: 3},
		cases: []state.SenderCase{
			{ID: 1, SendCase: state.SendCaseFailed, Recipients: []string{"OWNER"}},
			{ID: 2, SendCase: state.SendCaseAlways, Recipients: []string{"ops@example.org"}, LaunchNames: []string{"smoke"}},
			{ID: 3, SendCase: state.SendCaseMore50, Recipients: []string{"broken@example.org"}},
			{ID: 4, SendCase: state.SendCaseToInvestigate, Recipients: []string{"ghost"}},
		},
		emails: map[string]string{"alice": "alice@example.org"},
	}
	sender := &stubEmailSender{failFor: map[string]bool{"broken@example.org": true}}
	runner := NewNotificationRunner(store, sender, nil)

	err := runner.Run(context.Background(), RunContext{
		Event:  events.LaunchFinished{LaunchID: 7, BaseURL: "https://reports.example.org/"},
		Launch: finishedLaunch,
	})
	if err == nil {
		t.Fatal("expected send failure of case 3 to be reported")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one delivered notification, got %d", len(sender.sent))
	}
	sent := sender.sent[0]
	if diff := cmp.Diff([]string{"alice@example.org"}, sent.Recipients); diff != "" {
		t.Fatalf("unexpected recipients (-want +got):\n%s", diff)
	}
	if sent.LaunchURL != "https://reports.example.org/ui/#shop/launches/all/7" || sent.ProjectName != "shop" {
		t.Fatalf("unexpected notification %+v", sent)
	}
}

func TestNotificationRunnerWithoutSender(t *testing.T) {
	runner := NewNotificationRunner(&stubNotificationStore{}, nil, nil)
	if err := runner.Run(context.Background(), RunContext{Launch: finishedLaunch}); err != nil {
		t.Fatalf("expected missing sender to be skipped, got %v", err)
	}
	if !runner.Enabled(map[string]string{analysis.AttrNotificationsEnabled: "true"}) {
		t.Fatal("expected notifications enabled by attribute")
	}
	if runner.Enabled(nil) {
		t.Fatal("expected notifications disabled by default")
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/izavyalov-dev/delta-report/analysis"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/notify"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/state"
)

// OwnerRecipient in a sender case stands for the launch owner.
const OwnerRecipient = "OWNER"

// EmailSender delivers launch finished notifications.
type EmailSender interface {
	SendLaunchFinished(ctx context.Context, n notify.LaunchNotification) error
}

// NotificationStore is what the notification runner reads.
type NotificationStore interface {
	GetProject(ctx context.Context, projectID int64) (state.Project, error)
	LaunchStatistics(ctx context.Context, launchID int64) (map[string]int64, error)
	EnabledSenderCases(ctx context.Context, projectID int64) ([]state.SenderCase, error)
	UserEmail(ctx context.Context, login string) (string, bool, error)
}

// NotificationRunner emails the recipients of every sender case the finished
// launch satisfies.
type NotificationRunner struct {
	store  NotificationStore
	sender EmailSender
	logger *slog.Logger
}

// NewNotificationRunner builds the runner. A nil sender turns sending off.
func NewNotificationRunner(store NotificationStore, sender EmailSender, logger *slog.Logger) *NotificationRunner {
	if logger == nil {
		logger = observability.NewLogger("notification")
	}
	return &NotificationRunner{store: store, sender: sender, logger: logger}
}

func (*NotificationRunner) Name() string { return RunnerNotification }

func (*NotificationRunner) Enabled(attrs map[string]string) bool {
	return analysis.Bool(attrs, analysis.AttrNotificationsEnabled)
}

func (r *NotificationRunner) Run(ctx context.Context, rc RunContext) error {
	logger := observability.WithLaunch(r.logger, rc.Launch.ID)
	if r.sender == nil {
		logger.Warn("email sender not configured", "event", "notification_sender_missing")
		return nil
	}

	cases, err := r.store.EnabledSenderCases(ctx, rc.Launch.ProjectID)
	if err != nil {
		return fmt.Errorf("load sender cases: %w", err)
	}
	if len(cases) == 0 {
		return nil
	}
	stats, err := r.store.LaunchStatistics(ctx, rc.Launch.ID)
	if err != nil {
		return fmt.Errorf("load launch statistics: %w", err)
	}
	project, err := r.store.GetProject(ctx, rc.Launch.ProjectID)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, sc := range cases {
		if !CaseMatches(sc, rc.Launch, stats) {
			continue
		}
		recipients, err := r.FindRecipients(ctx, rc.Launch.OwnerLogin, sc.Recipients)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sender case %d recipients: %w", sc.ID, err))
			continue
		}
		if len(recipients) == 0 {
			continue
		}
		err = r.sender.SendLaunchFinished(ctx, notify.LaunchNotification{
			Recipients:  recipients,
			ProjectName: project.Name,
			Launch:      rc.Launch,
			Statistics:  stats,
			LaunchURL:   launchURL(rc.Event.BaseURL, project.Name, rc.Launch.ID),
		})
		if err != nil {
			logger.Error("unable to send email", "event", "notification_send_failed", "sender_case_id", sc.ID, "error", err)
			result = multierror.Append(result, fmt.Errorf("sender case %d: %w", sc.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// FindRecipients resolves sender case recipients to addresses. Values with
// an @ are addresses; OWNER is the launch owner; anything else is a login.
// Unknown logins are dropped and the result is de-duplicated in order.
func (r *NotificationRunner) FindRecipients(ctx context.Context, owner string, recipients []string) ([]string, error) {
	seen := make(map[string]struct{}, len(recipients))
	resolved := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		address := recipient
		if !strings.Contains(recipient, "@") {
			login := recipient
			if recipient == OwnerRecipient {
				login = owner
			}
			if login == "" {
				continue
			}
			email, found, err := r.store.UserEmail(ctx, login)
			if err != nil {
				return nil, err
			}
			if !found || email == "" {
				continue
			}
			address = email
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		resolved = append(resolved, address)
	}
	return resolved, nil
}

// CaseMatches reports whether a sender case fires for the launch.
func CaseMatches(sc state.SenderCase, launch state.Launch, stats map[string]int64) bool {
	return IsSuccessRateEnough(sc.SendCase, launch.Status, stats) &&
		LaunchNameMatches(sc.LaunchNames, launch.Name) &&
		AttributesMatch(sc.Attributes, launch.Attributes)
}

// IsSuccessRateEnough evaluates a send case against the launch outcome.
func IsSuccessRateEnough(sendCase state.SendCase, status protocol.Status, stats map[string]int64) bool {
	switch sendCase {
	case state.SendCaseAlways:
		return true
	case state.SendCaseFailed:
		return status == protocol.StatusFailed
	case state.SendCaseToInvestigate:
		return stats[state.StatDefectsToInvestigate] > 0
	case state.SendCaseMore10:
		return defectRate(stats) > 0.1
	case state.SendCaseMore20:
		return defectRate(stats) > 0.2
	case state.SendCaseMore50:
		return defectRate(stats) > 0.5
	default:
		return false
	}
}

// defectRate is the share of executions carrying any defect.
func defectRate(stats map[string]int64) float64 {
	total := float64(stats[state.StatExecutionsTotal])
	if total == 0 {
		return 0
	}
	defects := stats[state.StatDefectsToInvestigate] +
		stats[state.StatDefectsProductBug] +
		stats[state.StatDefectsSystemIssue] +
		stats[state.StatDefectsAutomationBug]
	return float64(defects) / total
}

// LaunchNameMatches is true for an empty name list or a listed name.
func LaunchNameMatches(names []string, launchName string) bool {
	if len(names) == 0 {
		return true
	}
	for _, name := range names {
		if name == launchName {
			return true
		}
	}
	return false
}

// AttributesMatch requires every case attribute among the launch's user
// attributes. A case attribute without a value matches on key alone.
func AttributesMatch(required []state.Attribute, launchAttrs []state.Attribute) bool {
	for _, want := range required {
		matched := false
		for _, have := range launchAttrs {
			if have.System || have.Key != want.Key {
				continue
			}
			if want.Value == "" || have.Value == want.Value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func launchURL(baseURL, projectName string, launchID int64) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/ui/#" + projectName + "/launches/all/" + strconv.FormatInt(launchID, 10)
}

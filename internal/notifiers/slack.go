// Package notifiers provides notification integrations.
package notifiers

import (
	"context"
	"fmt"
	"time"

	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/slack-go/slack"
)

// SlackNotifier sends notifications to Slack.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return NewSlackNotifierWithAPIURL(token, channel, "")
}

// NewSlackNotifierWithAPIURL creates a Slack notifier with a custom API URL (for testing).
func NewSlackNotifierWithAPIURL(token, channel, apiURL string) *SlackNotifier {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
	}
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}

// NotifyRunStarted sends a notification when a migration run starts.
func (n *SlackNotifier) NotifyRunStarted(ctx context.Context, run *types.Run) error {
	return n.post(ctx, fmt.Sprintf(":rocket: *Aurora Migration Started*\n"+
		"• *Source*: `%s`\n"+
		"• *Target*: `%s` in `%s`\n"+
		"• *Starting at*: stage %d (%s)\n"+
		"• *Run*: `%s`",
		run.SourceID, run.TargetID, run.ClusterID, run.ResumeStage, run.ResumeStage, run.ID))
}

// NotifyStageCompleted sends a notification when a stage completes.
func (n *SlackNotifier) NotifyStageCompleted(ctx context.Context, run *types.Run, stage types.Stage) error {
	return n.post(ctx, fmt.Sprintf(":heavy_check_mark: *Stage Completed*\n"+
		"• *Source*: `%s`\n"+
		"• *Stage*: %d/%d (%s)",
		run.SourceID, stage, len(types.Stages()), stage))
}

// NotifyRunCompleted sends a notification when every stage finished.
func (n *SlackNotifier) NotifyRunCompleted(ctx context.Context, run *types.Run) error {
	return n.post(ctx, fmt.Sprintf(":white_check_mark: *Aurora Migration Completed*\n"+
		"• *Source*: `%s`\n"+
		"• *Target*: `%s` in `%s`\n"+
		"• *Duration*: %s",
		run.SourceID, run.TargetID, run.ClusterID, run.Elapsed().Round(time.Second)))
}

// NotifyRunFailed sends a notification when a run stops on an error.
func (n *SlackNotifier) NotifyRunFailed(ctx context.Context, run *types.Run) error {
	return n.post(ctx, fmt.Sprintf(":x: *Aurora Migration Failed*\n"+
		"• *Source*: `%s`\n"+
		"• *Error*: %s (%s)\n"+
		"• *Resume with*: `--stage %d`",
		run.SourceID, run.Error, run.ErrorKind, run.SuggestedResumeStage()))
}

// NotifyInterventionRequired sends a notification when an operator must act.
func (n *SlackNotifier) NotifyInterventionRequired(ctx context.Context, run *types.Run, instruction string) error {
	return n.post(ctx, fmt.Sprintf(":warning: *Aurora Migration Waiting - Intervention Required*\n"+
		"• *Source*: `%s`\n"+
		"• *Action*: %s\n\n"+
		"The migration resumes on its own once the target instance exists.",
		run.SourceID, instruction))
}

// NullNotifier is a no-op notifier for when Slack is disabled.
type NullNotifier struct{}

func (n *NullNotifier) NotifyRunStarted(ctx context.Context, run *types.Run) error {
	return nil
}

func (n *NullNotifier) NotifyStageCompleted(ctx context.Context, run *types.Run, stage types.Stage) error {
	return nil
}

func (n *NullNotifier) NotifyRunCompleted(ctx context.Context, run *types.Run) error {
	return nil
}

func (n *NullNotifier) NotifyRunFailed(ctx context.Context, run *types.Run) error {
	return nil
}

func (n *NullNotifier) NotifyInterventionRequired(ctx context.Context, run *types.Run, instruction string) error {
	return nil
}

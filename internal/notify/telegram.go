package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/telegramtmpl"
)

const telegramAPI = "https://api.telegram.org"

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	enabled  bool
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return newNotifier(botToken, chatID, telegramAPI)
}

func newNotifier(botToken, chatID, baseURL string) *Notifier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		enabled:  botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

type telegramError struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}
	var apiErr telegramError
	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":    n.chatID,
			"text":       msg,
			"parse_mode": "HTML",
		}).
		SetError(&apiErr).
		Post("/bot" + n.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode(), apiErr.Description)
	}
	return nil
}

// PublishApproval sends an approval request with its remediation commands.
func (n *Notifier) PublishApproval(ctx context.Context, req approval.Request) error {
	return n.Send(ctx, telegramtmpl.RenderApprovalHTML(telegramtmpl.BuildApprovalData(req)))
}

// NotifyResolution reports how an approval ended.
func (n *Notifier) NotifyResolution(ctx context.Context, p approval.Pending) error {
	return n.Send(ctx, telegramtmpl.RenderResolutionHTML(p))
}

// NotifyExecution sends a trade execution alert.
func (n *Notifier) NotifyExecution(ctx context.Context, d telegramtmpl.ExecutionData) error {
	return n.Send(ctx, telegramtmpl.RenderExecutionHTML(d))
}

// NotifyEvolution sends the result of an evolution cycle.
func (n *Notifier) NotifyEvolution(ctx context.Context, changes []evolution.Change, cycleErr error) error {
	return n.Send(ctx, telegramtmpl.RenderEvolutionHTML(changes, cycleErr))
}

// NotifyPaused sends a pause or resume alert.
func (n *Notifier) NotifyPaused(ctx context.Context, paused bool, by string) error {
	if paused {
		return n.Send(ctx, fmt.Sprintf("<b>Trading Paused</b>\nBy: %s\nAll new intents are denied.", by))
	}
	return n.Send(ctx, fmt.Sprintf("<b>Trading Resumed</b>\nBy: %s", by))
}

// NotifyDailySummary sends a pre-rendered daily summary.
func (n *Notifier) NotifyDailySummary(ctx context.Context, textHTML string) error {
	return n.Send(ctx, textHTML)
}

// NotifyWeeklyReview sends a pre-rendered weekly review.
func (n *Notifier) NotifyWeeklyReview(ctx context.Context, textHTML string) error {
	return n.Send(ctx, textHTML)
}

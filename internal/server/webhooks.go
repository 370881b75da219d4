package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"issuedesk/internal/syncer"
)

// registerWebhooks receives tracker change notifications and applies them to
// the entity index. Events the index does not care about are acknowledged and
// ignored so the tracker does not retry them.
func registerWebhooks(api huma.API, changes ChangeApplier, secret string, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "tracker-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/tracker",
		Summary:       "Apply a tracker change to the index",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Secret string `header:"X-Issuedesk-Secret"`
		Body   WebhookRequest
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(input.Secret)), []byte(secret)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid webhook secret", nil)
		}
		if changes == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "index sync is not configured", nil)
		}
		respond := func(r WebhookResponse) *struct {
			Body WebhookResponse `json:"body"`
		} {
			return &struct {
				Body WebhookResponse `json:"body"`
			}{Body: r}
		}
		kind, ok := syncer.KindOf(input.Body.event())
		if !ok {
			log.Debug("webhook ignored", zap.String("event", input.Body.event()))
			return respond(WebhookResponse{Status: "ignored"}), nil
		}
		ev := syncer.Event{Kind: kind, IssueKey: input.Body.key()}
		if err := changes.Apply(ctx, ev); err != nil {
			log.Warn("webhook apply failed", zap.String("kind", kind), zap.String("issue_key", ev.IssueKey), zap.Error(err))
			return nil, handleError(err)
		}
		return respond(WebhookResponse{Status: "applied", Kind: kind, IssueKey: strings.ToUpper(ev.IssueKey)}), nil
	})
}

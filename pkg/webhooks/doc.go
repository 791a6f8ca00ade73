// Package webhooks delivers usage alerts to chat incoming webhooks.
//
// Slack receives an attachment colored by alert severity and Microsoft Teams
// receives a MessageCard with the same facts. Server errors and 429 answers
// are retried with the configured policy; other 4xx answers fail at once.
//
//	notifier := webhooks.NewNotifier(webhooks.Config{
//		SlackURL: "https://hooks.slack.com/services/...",
//		Retry:    retry.DefaultPolicy(),
//	}, logger)
//	engine := alerts.NewEngine(store, ledger, catalog, notifier, logger, metrics)
package webhooks

// Package alerts implements the alert rule engine: rule management, a
// periodic evaluation loop that queries the metric store, per-rule state
// tracking (ok, pending, alerting, no_data, error) and deduplicated alert
// instances with acknowledgement, silencing and bounded history.
//
// An instance is identified by its fingerprint, a hash of the rule id and
// the instance's sorted label set. While a rule keeps breaching with the
// same labels, its instance is updated in place, never duplicated.
//
// Notifications go out through a Notifier when an instance starts firing
// and when it resolves, to the rule's own channels plus those of every
// route whose matchers fit the instance's labels.
package alerts

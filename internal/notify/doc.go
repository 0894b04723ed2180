// Package notify delivers alert notifications to configured channels.
//
// A channel's Type selects its Handler from the dispatcher's registry:
//
//	email      SMTP message with severity glyph in the subject
//	slack      chat webhook with a colored attachment
//	teams      chat webhook MessageCard
//	webhook    generic JSON envelope
//	pagerduty  Events API v2 trigger/resolve keyed by the alert id
//	opsgenie   Alerts API create/close keyed by the alert id
//	kafka      generic envelope published to a topic
//
// SendToMultipleChannels fans out concurrently and settles every channel:
// one failing channel never stops delivery to the others, and failures are
// logged rather than returned.
package notify

// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages (a tenant credential was disabled,
// a scheduled publish failed) sent to one operations chat. The service queues
// them, rate limits and retries delivery, and suppresses repeats of the same
// alert inside a dedup window. Dedup state can be persisted so a restart loop
// does not re-page the operator.
package notifier

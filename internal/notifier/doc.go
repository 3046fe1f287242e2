// Package notifier delivers operator alerts.
//
// Alerts are short texts about things an operator must look at: a delivery
// that exhausted its retries, an oversize media item, a rejected relay
// request, a failed config write. Alert fans one text out to the operator
// chat and every admin.
//
// Sending is asynchronous: a bounded queue feeds a small worker pool that is
// rate limited with a token bucket and retries with jittered backoff.
// Identical texts to the same chat are suppressed within a dedup window.
package notifier

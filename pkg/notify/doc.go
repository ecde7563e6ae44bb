// Package notify delivers service event notifications to instance owners.
//
// A notification is posted as JSON to the instance's notify_url when one is
// set; otherwise it is mailed to the owner when mail is enabled. Webhook
// deliveries retry 5xx and 429 responses with exponential backoff.
package notify

// Package notifier sends job alerts to operators.
//
// It listens for job.failed and job.finished on the event bus and turns them
// into short messages: one when a job starts failing and, optionally, one
// when it recovers. Repeated failures of the same job are suppressed for a
// dedup window so a job touched every few seconds cannot flood the chat.
//
// # Transport
//
// Delivery goes through a Sender. The Telegram sender posts to one chat
// (optionally a forum thread) through the Bot API.
package notifier

// Package monitor watches the dead-letter queues of a service. A message in
// a DLQ is a poison message waiting for manual triage, so any depth above
// zero raises a warning alert until the queue is drained.
package monitor

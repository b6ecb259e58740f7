// Package run defines the shared vocabulary of a single agent or team run:
// the per-invocation Context, the durable Output record with its tool
// execution and human-in-the-loop requirement shapes, run metrics, and the
// closed tagged union of stream events with its fail-closed decoder.
package run

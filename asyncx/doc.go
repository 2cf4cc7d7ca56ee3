// Package asyncx runs submitted payloads as background tasks and tracks
// their lifecycle in a registry that callers poll.
//
// Quick start:
//  1. Pick a Store: NewMemoryStore for a single process, or NewSQLStore
//     (after Migrate) to keep an audit table.
//  2. Create a Runner with NewRunner(store, work, ...). Submit returns a
//     task id immediately; Poll and Result read the Store.
//  3. By default every task runs on its own goroutine. To run them on
//     asynq workers instead, pass NewQueueClient as RunnerOptions.Dispatcher
//     and start a Processor over the same Runner and Store.
package asyncx

// Package scheduler keeps an in-memory schedule reconciled with the task
// definition store and dispatches due tasks to the worker pool.
//
// One tick loop owns both jobs:
//   - the Reconciler polls the store and swaps in a rebuilt entry map when
//     the enabled set changed;
//   - the Dispatcher fires due entries, guarding run bookkeeping with a
//     compare-and-swap so several instances can share one store.
package scheduler

// Package scheduler turns persisted jobs into cron entries.
//
// It is trigger-only: a firing hands the job id to the executor, which
// re-reads the job from storage and decides whether to run. The set of live
// entries is kept in the registry so cancellation and the executor agree on
// what is scheduled.
package scheduler

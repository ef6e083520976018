// Package job implements module jobs: a unit of work with an explicit run
// state, an optional cron schedule and isolated error handling.
//
// Jobs are run either by the Scheduler when their schedule fires or
// synchronously through Run for on-demand triggers. Run never panics and
// never returns an error; failures are routed to the job's error handler.
package job

// Package schedule compiles a task's schedule config into a rule and tracks
// the per-task due state used by the scheduler tick loop.
//
// Supported configs:
//   - interval: {"interval_seconds": 60} or {"interval": "55m"} / {"interval": "02:30"}
//   - cron: {"cron": "*/5 * * * *"} or descriptors like "@hourly",
//     with an optional IANA {"timezone": "Europe/Berlin"}
package schedule

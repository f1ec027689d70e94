// Package scheduler registers recurring triggers (cron expressions or fixed
// intervals) and enqueues a task into the task engine on every tick.
//
// Execution, retries and overlap policy belong to the engine. Per-job publish
// times are not timers here: they live in storage and a dispatch trigger
// polls for due work.
package scheduler

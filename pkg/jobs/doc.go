// Package jobs runs the periodic maintenance work of tokenmeter: the
// duplicate-subscription sweep, the fixed-cap alert sweep and the monthly
// usage archive. The tokenmeter-jobs binary schedules them with cron.
package jobs

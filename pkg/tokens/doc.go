// Package tokens spends tokens against an account's effective plan.
//
// Consume follows the plan class:
//
//   - unlimited: the event is recorded for analytics only
//   - metered: the event is reported to the processor meter, then recorded
//     with the meter event id (none when reporting failed)
//   - fixed cap: the month's total is checked first; at or over the cap the
//     call fails with entitlements.ErrTokensExhausted and nothing is recorded.
//     After recording, the team's alert ladder is evaluated in the background.
//
// Summary is the read side: this month's total and the newest events of the
// user's team.
package tokens

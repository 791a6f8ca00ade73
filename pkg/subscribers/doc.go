// Package subscribers stores the subscription state of users and teams.
//
// A user may belong to a team; both levels can carry a processor customer,
// a subscription, a plan and a status. Where both levels supply a value the
// user's wins, and that rule lives in one place:
//
//	userPlan, teamPlan := acct.Plans()
//	plan, ok := subscribers.Resolve(userPlan, teamPlan)
//	if ok && plan.Kind == subscribers.KindTeam {
//		// usage is counted against the team
//	}
//
// Webhook reconciliation clears a subscriber only while the stored
// subscription id still matches the one being canceled, so a late event for
// a superseded subscription leaves the current one alone.
package subscribers

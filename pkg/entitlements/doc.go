// Package entitlements decides what an account may do.
//
// An account is a user row plus the row of the user's team. The user's plan
// and status win over the team's; usage counts against whichever subscriber
// supplied the plan.
//
// Plans fall into three classes by token limit: unlimited (-1), metered (0)
// and fixed cap (> 0). Only fixed-cap plans are ever exhausted.
//
//	acct, err := resolver.Account(ctx, userID)
//	if err := resolver.RequireTokens(ctx, acct, time.Now()); err != nil {
//		if errors.Is(err, entitlements.ErrTokensExhausted) {
//			// 429
//		}
//	}
//
// Check is the non-failing form for handlers that build their own responses.
package entitlements

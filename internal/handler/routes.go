package handler

import "github.com/go-chi/chi/v5"

// Mount registers the authenticated /system routes on r. Session routes are
// mounted separately because login must stay reachable without a session.
func Mount(r chi.Router, sys *SystemHandler, tokens *TokenHandler, sec *SecurityHandler) {
	// Operator accounts
	r.Get("/admin", sys.ListAdmins)
	r.Post("/admin", sys.CreateAdmin)

	// Gateway tokens
	r.Get("/token", tokens.ListTokens)
	r.Post("/token", tokens.CreateToken)
	r.Get("/token/{tokenId}", tokens.GetToken)
	r.Patch("/token/{tokenId}", tokens.UpdateToken)
	r.Delete("/token/{tokenId}", tokens.DisableToken)
	r.Post("/token/{tokenId}/rotate", tokens.RotateToken)
	r.Get("/token/{tokenId}/rotation", tokens.ListRotations)

	// Per-token IP rules
	r.Get("/token/{tokenId}/ip-rule", tokens.ListIPRules)
	r.Post("/token/{tokenId}/ip-rule", tokens.AddIPRule)
	r.Delete("/token/{tokenId}/ip-rule/{ruleId}", tokens.RemoveIPRule)

	// Security Center
	r.Get("/security/suspicious", sec.Suspicious)
	r.Get("/security/failed", sec.FailedAttempts)
	r.Get("/security/events", sec.Events)
	r.Get("/security/blocked", sec.ListBlocks)
	r.Post("/security/blocked", sec.Block)
	r.Delete("/security/blocked/{ip}", sec.Unblock)

	// Settings
	r.Get("/settings", sec.GetSettings)
	r.Patch("/settings", sec.UpdateSettings)
}

package models

// All lists every table owned or read by the ledger, in migration order.
func All() []interface{} {
	return []interface{}{
		&LoyaltyProgram{},
		&Location{},
		&Enrollment{},
		&Reward{},
		&Stamp{},
		&LedgerEntry{},
		&ConsumedNonce{},
		&AuditLog{},
	}
}

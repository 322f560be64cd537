package domain

import (
	"math/big"
	"time"
)

// Claim records settlement proceeds owed to the instrument holder of record.
// Settlement never lets a recipient's failure block the writer's strike
// payment; the premium falls back to a one-shot pull claim instead.
type Claim struct {
	OptionID  OptionID
	Claimant  Address
	Amount    *big.Int
	CreatedAt time.Time
	ClaimedAt *time.Time
}

// Claimed reports whether the claim has already been paid out.
func (c Claim) Claimed() bool { return c.ClaimedAt != nil }

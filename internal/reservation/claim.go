package reservation

type ClaimKind int

const (
	None ClaimKind = iota
	Pending
	Confirmed
	Conflicted
)

func (k ClaimKind) String() string {
	switch k {
	case None:
		return "none"
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Conflicted:
		return "conflicted"
	}
	return "unknown"
}

// Claim is the session's one reservation. ItemID is meaningful for every
// kind but None.
type Claim struct {
	Kind   ClaimKind
	ItemID int64
}

type claimEvent int

const (
	claimSent claimEvent = iota
	claimAccepted
	claimRejected // conflict
	claimFailed
	claimSettled // the refresh after a conflict finished
)

/*
	none       + sent     -> pending
	pending    + accepted -> confirmed
	pending    + rejected -> conflicted
	pending    + failed   -> none
	conflicted + settled  -> none
*/

func nextClaim(c Claim, ev claimEvent, itemID int64) Claim {
	switch {
	case c.Kind == None && ev == claimSent:
		return Claim{Kind: Pending, ItemID: itemID}
	case c.Kind == Pending && ev == claimAccepted:
		return Claim{Kind: Confirmed, ItemID: c.ItemID}
	case c.Kind == Pending && ev == claimRejected:
		return Claim{Kind: Conflicted, ItemID: c.ItemID}
	case c.Kind == Pending && ev == claimFailed,
		c.Kind == Conflicted && ev == claimSettled:
		return Claim{}
	}
	return c
}

package types

import "time"

// Push message kinds carried on /stream and /ws.
const (
	PushHello       = "hello"
	PushItemsUpdate = "itens_update"
	PushStatsUpdate = "stats_update"
)

// PushMessage is the payload of every push frame.
type PushMessage struct {
	Type string `json:"type"` // "hello" | "itens_update" | "stats_update"
	At   int64  `json:"ts,omitempty"`
}

type Item struct {
	ID   int64  `json:"id"`
	Name string `json:"nome_item"`
}

type RSVPRequest struct {
	Name     string `json:"nome"`
	Honeypot string `json:"apelido"`
}

type RSVPResponse struct {
	OK        bool  `json:"ok"`
	GuestID   int64 `json:"convidado_id"`
	Duplicate bool  `json:"duplicado"` // kept for older clients; duplicates are rejected
}

type ClaimRequest struct {
	GuestID int64 `json:"convidado_id"`
	ItemID  int64 `json:"item_id"`
}

// GuestRequest is the body of the admin release/remove calls.
type GuestRequest struct {
	GuestID int64 `json:"convidado_id"`
}

type Guest struct {
	ID        int64     `json:"id"`
	Name      string    `json:"nome"`
	Item      *string   `json:"item"`
	CreatedAt time.Time `json:"created_at"`
}

type Stats struct {
	TotalGuests    int     `json:"total_convidados"`
	WithItem       int     `json:"com_item"`
	WithoutItem    int     `json:"sem_item"`
	TotalItems     int     `json:"total_itens"`
	ItemsClaimed   int     `json:"itens_escolhidos"`
	ItemsAvailable int     `json:"itens_disponiveis"`
	PercentClaimed float64 `json:"perc_itens_escolhidos"`
}

// Status is GET /status: stats plus the available list.
type Status struct {
	Stats
	Available []Item `json:"itens_disponiveis_list"`
}

type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

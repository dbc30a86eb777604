package queue

import "time"

// Item is the on-disk broadcast record. Field names are part of the file format
// shared by the admin and client processes.
type Item struct {
	Message     string `json:"message"`
	CreatedAt   int64  `json:"created_at"`
	AdminID     int64  `json:"admin_id"`
	Processed   bool   `json:"processed"`
	ProcessedAt *int64 `json:"processed_at"`
}

func (it Item) Created() time.Time { return time.Unix(it.CreatedAt, 0) }

// Handle addresses one item in the store. It is the entry's file name without
// the extension, e.g. "broadcast_1718000000_42_1b4e28ba".
type Handle string

func (h Handle) IsZero() bool { return h == "" }

func (h Handle) String() string { return string(h) }

// Pending pairs a handle with the item it pointed to at listing time.
type Pending struct {
	Handle Handle
	Item   Item
}

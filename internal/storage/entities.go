package storage

import "time"

// User is a single record in the users document.
// Password holds the bcrypt hash, never the plain credential.
type User struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Online   bool     `json:"online"`
	Rooms    []string `json:"rooms"`
}

// Message is a single entry in a room log. Log position, not Timestamp,
// is authoritative for ordering.
type Message struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

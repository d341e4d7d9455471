package model

import "time"

type (
	// Message is the relay envelope of a group ciphertext.
	Message struct {
		From       string    `json:"from" validate:"required"`
		To         []string  `json:"to" validate:"required"`
		GroupID    string    `json:"group_id" validate:"required"`
		Ciphertext []byte    `json:"ciphertext" validate:"required"`
		SentAt     time.Time `json:"sent_at"`
	}
)

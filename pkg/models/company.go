package models

import (
	"time"
)

// Company is the tenant boundary. Every workflow, flow group and flow
// belongs to exactly one company.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

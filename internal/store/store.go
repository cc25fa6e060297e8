// Package store defines the relational model of the service: users and
// their role extensions, studies, and issued identity cards.
package store

import (
	"strings"
	"time"
)

type Role string

const (
	RoleBiobanker   Role = "BIOBANKER"
	RoleResearcher  Role = "RESEARCHER"
	RoleParticipant Role = "PARTICIPANT"
)

// ParseRole normalises a wire role string. Unknown values come back as
// an empty Role.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleBiobanker:
		return RoleBiobanker
	case RoleResearcher:
		return RoleResearcher
	case RoleParticipant:
		return RoleParticipant
	}
	return ""
}

// User is the base row every role extends. Deleting the extension row
// cascades back here via trigger, so a user never outlives its role.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant extends User with contact details. Name and Email are
// stored encrypted and only decrypted on read.
type Participant struct {
	User
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Researcher struct {
	User
	Institute string `json:"institute"`
}

type Biobanker struct {
	User
}

// Study is the unit participants consent to. The window is inclusive on
// both ends.
type Study struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether now falls inside the study's consent window.
func (s Study) Active(now time.Time) bool {
	if now.Before(s.StartsAt) {
		return false
	}
	if s.EndsAt.IsZero() {
		return true
	}
	return !now.After(s.EndsAt)
}

// Card is one issued ledger identity for a participant. In multi-card
// deployments a participant holds one row per study enrolment; in
// single-card deployments at most one row with an empty StudyID.
type Card struct {
	UserID     string
	StudyID    string
	Address    string
	PrivateKey []byte
	TempCard   []byte
	CredCard   []byte
	IssuedAt   time.Time
}

package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

// ParseGender returns nil for an empty string.
func ParseGender(s string) (*Gender, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	g := Gender(s)
	switch g {
	case GenderMale, GenderFemale, GenderOther:
		return &g, nil
	}
	return nil, fmt.Errorf("invalid gender %q", s)
}

type User struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Username      string    `gorm:"not null" json:"username"`
	UsernameLower string    `gorm:"uniqueIndex;not null" json:"-"`
	PasswordHash  string    `gorm:"not null" json:"-"`
	Email         string    `gorm:"not null" json:"email"`
	Gender        *Gender   `gorm:"type:text" json:"gender,omitempty"`
	Birthday      time.Time `json:"birthday"`
	PostIDs       []string  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"post_ids,omitempty"`
	Upvotes       VoteList  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"upvotes,omitempty"`
	Downvotes     VoteList  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"downvotes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChoiceOn returns the user's recorded choice on postID.
func (u *User) ChoiceOn(postID string) Choice {
	switch {
	case u.Upvotes.CountPost(postID) > 0:
		return Upvote
	case u.Downvotes.CountPost(postID) > 0:
		return Downvote
	}
	return ChoiceNone
}

// HoldsExactly reports whether the user's lists contain exactly one record
// for postID and it sits in the list for choice.
func (u *User) HoldsExactly(postID string, choice Choice) bool {
	up, down := u.Upvotes.CountPost(postID), u.Downvotes.CountPost(postID)
	if choice == Upvote {
		return up == 1 && down == 0
	}
	return up == 0 && down == 1
}

// Consistent reports whether no post appears in both vote lists.
func (u *User) Consistent() bool {
	seen := make(map[string]struct{}, len(u.Upvotes))
	for _, v := range u.Upvotes {
		seen[v.Post] = struct{}{}
	}
	for _, v := range u.Downvotes {
		if _, ok := seen[v.Post]; ok {
			return false
		}
	}
	return true
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Gender   string `json:"gender"`
	Birthday string `json:"birthday" binding:"required"` // YYYY-MM-DD
}

// Validate checks the request and returns the parsed gender and birthday.
func (r RegisterRequest) Validate(now time.Time) (*Gender, time.Time, error) {
	if !usernamePattern.MatchString(r.Username) {
		return nil, time.Time{}, errors.New("username must be 3-32 letters, digits or underscores")
	}
	if len(r.Password) < 6 {
		return nil, time.Time{}, errors.New("password must be at least 6 characters")
	}
	if !strings.Contains(r.Email, "@") {
		return nil, time.Time{}, errors.New("email is invalid")
	}
	gender, err := ParseGender(r.Gender)
	if err != nil {
		return nil, time.Time{}, err
	}
	birthday, err := time.Parse(time.DateOnly, r.Birthday)
	if err != nil {
		return nil, time.Time{}, errors.New("birthday must be formatted YYYY-MM-DD")
	}
	if birthday.After(now) {
		return nil, time.Time{}, errors.New("birthday cannot be in the future")
	}
	return gender, birthday, nil
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse mirrors the success/error payload returned by registration
// and login.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
}

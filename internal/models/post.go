package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxPostBody = 10000

type Post struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	PosterID  string    `gorm:"index;not null" json:"poster_id"`
	Body      string    `gorm:"not null" json:"body"`
	PostedAt  time.Time `gorm:"index" json:"posted_at"`
	Up        int       `gorm:"not null;default:0" json:"up"`
	Down      int       `gorm:"not null;default:0" json:"down"`
	Upvotes   VoteList  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"-"`
	Downvotes VoteList  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"-"`
}

// ChoiceOf returns userID's recorded choice on the post.
func (p *Post) ChoiceOf(userID string) Choice {
	switch {
	case p.Upvotes.CountUser(userID) > 0:
		return Upvote
	case p.Downvotes.CountUser(userID) > 0:
		return Downvote
	}
	return ChoiceNone
}

// HoldsExactly reports whether the post's lists contain exactly one record
// by userID and it sits in the list for choice.
func (p *Post) HoldsExactly(userID string, choice Choice) bool {
	up, down := p.Upvotes.CountUser(userID), p.Downvotes.CountUser(userID)
	if choice == Upvote {
		return up == 1 && down == 0
	}
	return up == 0 && down == 1
}

// CountersConsistent reports whether the cached counters match the lists.
func (p *Post) CountersConsistent() bool {
	return p.Up == len(p.Upvotes) && p.Down == len(p.Downvotes)
}

type CreatePostRequest struct {
	Body string `json:"body" binding:"required"`
}

// Normalize trims the body and enforces its length bounds.
func (r CreatePostRequest) Normalize() (string, error) {
	body := strings.TrimSpace(r.Body)
	if body == "" {
		return "", errors.New("body is required")
	}
	if utf8.RuneCountInString(body) > MaxPostBody {
		return "", errors.New("body is too long")
	}
	return body, nil
}

type VoteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// PostView is a post as returned to a caller, with the caller's own vote.
type PostView struct {
	Post
	PosterUsername string `json:"poster_username,omitempty"`
	MyVote         Choice `json:"my_vote,omitempty"`
}

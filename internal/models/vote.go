package models

import (
	"fmt"
	"strings"
)

// Choice is the side of a vote. The zero value means "no vote".
type Choice string

const (
	ChoiceNone Choice = ""
	Upvote     Choice = "UPVOTE"
	Downvote   Choice = "DOWNVOTE"
)

// Valid reports whether c is a castable choice.
func (c Choice) Valid() bool {
	return c == Upvote || c == Downvote
}

// ParseChoice accepts "UPVOTE"/"DOWNVOTE" in any case, the short forms
// "up"/"down" and the numeric forms "1"/"-1".
func ParseChoice(s string) (Choice, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UPVOTE", "UP", "1", "+1":
		return Upvote, nil
	case "DOWNVOTE", "DOWN", "-1":
		return Downvote, nil
	}
	return ChoiceNone, fmt.Errorf("invalid vote choice %q", s)
}

// List field names shared by the user and post documents.
const (
	FieldUpvotes   = "upvotes"
	FieldDownvotes = "downvotes"
	FieldUp        = "up"
	FieldDown      = "down"
)

// ListField returns the vote list a choice is stored in.
func (c Choice) ListField() string {
	if c == Downvote {
		return FieldDownvotes
	}
	return FieldUpvotes
}

// CounterField returns the aggregate counter a choice is tallied in.
func (c Choice) CounterField() string {
	if c == Downvote {
		return FieldDown
	}
	return FieldUp
}

// VoteRecord is embedded by value in both the voter's and the post's vote
// lists. The choice is implied by which list holds it.
type VoteRecord struct {
	User string `json:"user"`
	Post string `json:"post"`
}

// VoteList is an ordered list of vote records.
type VoteList []VoteRecord

// CountUser returns how many records in l were cast by userID.
func (l VoteList) CountUser(userID string) int {
	n := 0
	for _, v := range l {
		if v.User == userID {
			n++
		}
	}
	return n
}

// CountPost returns how many records in l target postID.
func (l VoteList) CountPost(postID string) int {
	n := 0
	for _, v := range l {
		if v.Post == postID {
			n++
		}
	}
	return n
}

// Without returns a copy of l minus the records drop selects.
func (l VoteList) Without(drop func(VoteRecord) bool) VoteList {
	out := make(VoteList, 0, len(l))
	for _, v := range l {
		if !drop(v) {
			out = append(out, v)
		}
	}
	return out
}

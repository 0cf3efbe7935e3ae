package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type SeedOptions struct {
	Users           int
	PostsPerUser    int
	CommentsPerPost int
	// Start is the creation time of the first post; each later post is Step newer.
	Start time.Time
	Step  time.Duration
}

type SeedResult struct {
	UserIDs  []string
	PostIDs  []string
	Comments int
}

var fixtureNames = [][2]string{
	{"Ada", "Lovelace"},
	{"Grace", "Hopper"},
	{"Alan", "Turing"},
	{"Barbara", "Liskov"},
	{"Ken", "Thompson"},
}

// SeedFixture fills f with users, their posts and comments. Posts of all users
// are interleaved so every user's feed has strictly increasing creation times.
func SeedFixture(ctx context.Context, f *SQLiteFetcher, opts SeedOptions) (SeedResult, error) {
	if f == nil || f.db == nil {
		return SeedResult{}, errors.New("sqlite fetcher: db is nil")
	}
	if opts.Users <= 0 {
		opts.Users = 1
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Add(-time.Duration(opts.PostsPerUser*opts.Users) * opts.Step)
	}

	var res SeedResult
	for i := 0; i < opts.Users; i++ {
		name := fixtureNames[i%len(fixtureNames)]
		last := name[1]
		if i >= len(fixtureNames) {
			last = fmt.Sprintf("%s %d", last, i/len(fixtureNames)+1)
		}
		id, err := f.CreateUser(ctx, name[0], last)
		if err != nil {
			return res, err
		}
		res.UserIDs = append(res.UserIDs, id)
	}

	at := opts.Start
	for p := 0; p < opts.PostsPerUser; p++ {
		for u, author := range res.UserIDs {
			postID, err := f.CreatePost(ctx, author, fmt.Sprintf("post %d of user %d", p+1, u+1), at)
			if err != nil {
				return res, err
			}
			res.PostIDs = append(res.PostIDs, postID)
			for c := 0; c < opts.CommentsPerPost; c++ {
				commenter := res.UserIDs[(u+c+1)%len(res.UserIDs)]
				if _, err := f.CreateComment(ctx, postID, commenter, fmt.Sprintf("comment %d", c+1), at.Add(time.Duration(c+1)*time.Second)); err != nil {
					return res, err
				}
				res.Comments++
			}
			at = at.Add(opts.Step)
		}
	}

	log.Info().
		Str("component", "fetch").
		Int("users", len(res.UserIDs)).
		Int("posts", len(res.PostIDs)).
		Int("comments", res.Comments).
		Msg("seeded sqlite fixture")
	return res, nil
}

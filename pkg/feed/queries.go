package feed

import (
	"github.com/go-go-golems/feedcache/pkg/connection"
	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/projector"
)

const postFragment = `fragment PostFragment on Post {
  id
  createdOn
  content
  author { id firstName lastName }
}`

const feedQuery = `query FeedQuery($id: ID!, $last: Int) {
  user(id: $id) {
    id
    posts(last: $last) {
      edges { cursor node { ...PostFragment } }
      pageInfo { hasPreviousPage startCursor }
    }
  }
}
` + postFragment

const postCommentsQuery = `query PostCommentsQuery($id: ID!, $last: Int) {
  post(id: $id) {
    id
    comments(last: $last) {
      edges { cursor node { id createdOn content author { id firstName lastName } post { id } } }
      pageInfo { hasPreviousPage startCursor }
    }
  }
}`

const paginationQuery = `query FeedPaginationQuery($id: ID!, $field: String!, $before: String, $last: Int) {
  node(id: $id) {
    id
    ... on AppUser {
      posts(before: $before, last: $last) {
        edges { cursor node { ...PostFragment } }
        pageInfo { hasPreviousPage startCursor }
      }
    }
    ... on Post {
      comments(before: $before, last: $last) {
        edges { cursor node { id createdOn content author { id firstName lastName } post { id } } }
        pageInfo { hasPreviousPage startCursor }
      }
    }
  }
}
` + postFragment

const userFeedSubscription = `subscription UserFeedSubscription($userId: ID!) {
  userFeed(userId: $userId) { cursor node { ...PostFragment } }
}
` + postFragment

// PostSelection reads what the feed renders for a post.
var PostSelection = projector.Selection{
	Fields: []string{"createdOn", "content"},
	Refs: map[string]projector.Selection{
		"author": {Fields: []string{"firstName", "lastName"}},
	},
}

// CommentSelection reads what the feed renders for a comment.
var CommentSelection = PostSelection

func PostsKey(userID string) connection.Key {
	return connection.Key{Owner: userID, Field: "posts"}
}

func CommentsKey(postID string) connection.Key {
	return connection.Key{Owner: postID, Field: "comments"}
}

// FeedQuery loads the newest count posts of a user.
func FeedQuery(userID string, count int) fetch.Request {
	return fetch.Request{
		Name:      fetch.OpFeedQuery,
		Query:     feedQuery,
		Variables: map[string]any{"id": userID, "last": count},
	}
}

// PostCommentsQuery loads the newest count comments on a post.
func PostCommentsQuery(postID string, count int) fetch.Request {
	return fetch.Request{
		Name:      fetch.OpPostCommentsQuery,
		Query:     postCommentsQuery,
		Variables: map[string]any{"id": postID, "last": count},
	}
}

// PaginationQuery loads count edges older than before for any connection
// owned by a node.
func PaginationQuery(key connection.Key, before string, count int) fetch.Request {
	return fetch.Request{
		Name:  fetch.OpFeedPaginationQuery,
		Query: paginationQuery,
		Variables: map[string]any{
			"id":     key.Owner,
			"field":  key.Field,
			"before": before,
			"last":   count,
		},
	}
}

// UserFeedSubscription subscribes to new posts of a user.
func UserFeedSubscription(userID string) fetch.Request {
	return fetch.Request{
		Name:      fetch.OpUserFeed,
		Query:     userFeedSubscription,
		Variables: map[string]any{"userId": userID},
	}
}

package fetch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// Operation names served by SQLiteFetcher.
const (
	OpFeedQuery           = "FeedQuery"
	OpFeedPaginationQuery = "FeedPaginationQuery"
	OpPostCommentsQuery   = "PostCommentsQuery"
	OpUserFeed            = "UserFeedSubscription"
)

const (
	kindAppUser = "AppUser"
	kindPost    = "Post"
	kindComment = "Comment"
)

// SQLiteFetcher answers feed queries from a local SQLite fixture with the
// same shape and range semantics as the feed server.
type SQLiteFetcher struct {
	db *sql.DB
}

var _ Fetcher = &SQLiteFetcher{}

func NewSQLiteFetcher(dsn string) (*SQLiteFetcher, error) {
	if dsn == "" {
		return nil, errors.New("sqlite fetcher: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	f := &SQLiteFetcher{db: db}
	if err := f.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return f, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite fetcher: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (f *SQLiteFetcher) Close() error {
	if f == nil || f.db == nil {
		return nil
	}
	return f.db.Close()
}

func (f *SQLiteFetcher) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_user (
		  user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		  first_name TEXT NOT NULL,
		  last_name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS post (
		  post_id INTEGER PRIMARY KEY AUTOINCREMENT,
		  author INTEGER NOT NULL REFERENCES app_user(user_id),
		  created_on_ms INTEGER NOT NULL,
		  content TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS post_by_author ON post(author, post_id);`,
		`CREATE TABLE IF NOT EXISTS comment (
		  comment_id INTEGER PRIMARY KEY AUTOINCREMENT,
		  post INTEGER NOT NULL REFERENCES post(post_id),
		  author INTEGER NOT NULL REFERENCES app_user(user_id),
		  created_on_ms INTEGER NOT NULL,
		  content TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS comment_by_post ON comment(post, comment_id);`,
	}
	for _, st := range stmts {
		if _, err := f.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite fetcher: migrate")
		}
	}
	return nil
}

// Fetch serves FeedQuery {id, last}, PostCommentsQuery {id, last} and
// FeedPaginationQuery {id, field, before, after, first, last}.
func (f *SQLiteFetcher) Fetch(ctx context.Context, req Request) (*graph.Payload, error) {
	if f == nil || f.db == nil {
		return nil, errors.New("sqlite fetcher: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ownerID, _ := req.Variables["id"].(string)
	if ownerID == "" {
		return nil, protocolError(nil, "variable id is required")
	}
	args, err := rangeArgsFrom(req.Variables)
	if err != nil {
		return nil, err
	}

	var rootField, field string
	switch req.Name {
	case OpFeedQuery:
		rootField, field = "user", "posts"
	case OpPostCommentsQuery:
		rootField, field = "post", "comments"
	case OpFeedPaginationQuery:
		rootField = "node"
		field, _ = req.Variables["field"].(string)
		if field == "" {
			field = "posts"
		}
	default:
		return nil, protocolError(nil, fmt.Sprintf("unknown operation %q", req.Name))
	}

	node, err := f.ownerWithConnection(ctx, ownerID, field, args)
	if err != nil {
		return nil, err
	}
	return normalizeData(map[string]any{rootField: node})
}

// PostsSince returns, as loose edges, the posts of userID whose db id is
// greater than afterDBID, oldest first, together with the highest id seen.
func (f *SQLiteFetcher) PostsSince(ctx context.Context, userID string, afterDBID int32) (*graph.Payload, int32, error) {
	data, last, err := f.UserFeedSince(ctx, userID, afterDBID)
	if err != nil {
		return nil, afterDBID, err
	}
	payload, err := normalizeData(data)
	if err != nil {
		return nil, afterDBID, err
	}
	return payload, last, nil
}

// UserFeedSince returns the raw `{"userFeed": [edges]}` data of a
// subscription event carrying the posts of userID newer than afterDBID.
func (f *SQLiteFetcher) UserFeedSince(ctx context.Context, userID string, afterDBID int32) (map[string]any, int32, error) {
	if f == nil || f.db == nil {
		return nil, afterDBID, errors.New("sqlite fetcher: db is nil")
	}
	uid, err := decodeTyped(userID, kindAppUser)
	if err != nil {
		return nil, afterDBID, err
	}
	posts, err := f.postsOf(ctx, uid, afterDBID)
	if err != nil {
		return nil, afterDBID, err
	}
	last := afterDBID
	edges := make([]any, 0, len(posts))
	for _, p := range posts {
		edges = append(edges, map[string]any{"cursor": graph.EncodeDBCursor(p.id), "node": p.node})
		if p.id > last {
			last = p.id
		}
	}
	return map[string]any{"userFeed": edges}, last, nil
}

// LatestPostID returns the highest post id authored by userID, 0 when none.
func (f *SQLiteFetcher) LatestPostID(ctx context.Context, userID string) (int32, error) {
	uid, err := decodeTyped(userID, kindAppUser)
	if err != nil {
		return 0, err
	}
	var id sql.NullInt64
	err = f.db.QueryRowContext(ctx, `SELECT MAX(post_id) FROM post WHERE author = ?`, uid).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite fetcher: latest post")
	}
	if !id.Valid {
		return 0, nil
	}
	return int32(id.Int64), nil
}

func (f *SQLiteFetcher) CreateUser(ctx context.Context, firstName, lastName string) (string, error) {
	res, err := f.db.ExecContext(ctx, `INSERT INTO app_user (first_name, last_name) VALUES (?, ?)`, firstName, lastName)
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert user")
	}
	return graph.EncodeID(id, kindAppUser), nil
}

func (f *SQLiteFetcher) CreatePost(ctx context.Context, authorID, content string, at time.Time) (string, error) {
	uid, err := decodeTyped(authorID, kindAppUser)
	if err != nil {
		return "", err
	}
	res, err := f.db.ExecContext(ctx,
		`INSERT INTO post (author, created_on_ms, content) VALUES (?, ?, ?)`,
		uid, at.UnixMilli(), content)
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert post")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert post")
	}
	return graph.EncodeID(id, kindPost), nil
}

func (f *SQLiteFetcher) CreateComment(ctx context.Context, postID, authorID, content string, at time.Time) (string, error) {
	pid, err := decodeTyped(postID, kindPost)
	if err != nil {
		return "", err
	}
	uid, err := decodeTyped(authorID, kindAppUser)
	if err != nil {
		return "", err
	}
	res, err := f.db.ExecContext(ctx,
		`INSERT INTO comment (post, author, created_on_ms, content) VALUES (?, ?, ?, ?)`,
		pid, uid, at.UnixMilli(), content)
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert comment")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(err, "sqlite fetcher: insert comment")
	}
	return graph.EncodeID(id, kindComment), nil
}

type row struct {
	id   int32
	node map[string]any
}

func (f *SQLiteFetcher) ownerWithConnection(ctx context.Context, ownerID, field string, args rangeArgs) (map[string]any, error) {
	dbID, kind, err := graph.DecodeID(ownerID)
	if err != nil {
		return nil, protocolError(err, "decode owner id")
	}
	owner32, err := toDBID(dbID)
	if err != nil {
		return nil, err
	}

	var owner map[string]any
	var items []row
	switch {
	case kind == kindAppUser && field == "posts":
		owner, err = f.user(ctx, owner32)
		if err != nil {
			return nil, err
		}
		items, err = f.postsOf(ctx, owner32, 0)
	case kind == kindPost && field == "comments":
		owner, err = f.post(ctx, owner32)
		if err != nil {
			return nil, err
		}
		items, err = f.commentsOf(ctx, owner32)
	default:
		return nil, protocolError(nil, fmt.Sprintf("%s has no connection %q", kind, field))
	}
	if err != nil {
		return nil, err
	}

	conn, err := paginate(args, items)
	if err != nil {
		return nil, err
	}
	owner[field] = conn
	return owner, nil
}

func (f *SQLiteFetcher) user(ctx context.Context, id int32) (map[string]any, error) {
	var first, last string
	err := f.db.QueryRowContext(ctx, `SELECT first_name, last_name FROM app_user WHERE user_id = ?`, id).Scan(&first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocolError(nil, fmt.Sprintf("user %d not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: load user")
	}
	return userNode(int64(id), first, last), nil
}

func (f *SQLiteFetcher) post(ctx context.Context, id int32) (map[string]any, error) {
	rows, err := f.db.QueryContext(ctx, postSelect+` WHERE p.post_id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: load post")
	}
	items, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, protocolError(nil, fmt.Sprintf("post %d not found", id))
	}
	return items[0].node, nil
}

const postSelect = `SELECT p.post_id, p.created_on_ms, p.content, u.user_id, u.first_name, u.last_name
	FROM post p JOIN app_user u ON u.user_id = p.author`

func (f *SQLiteFetcher) postsOf(ctx context.Context, author int32, afterID int32) ([]row, error) {
	rows, err := f.db.QueryContext(ctx, postSelect+` WHERE p.author = ? AND p.post_id > ? ORDER BY p.post_id ASC`, author, afterID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: list posts")
	}
	return scanPosts(rows)
}

func scanPosts(rows *sql.Rows) ([]row, error) {
	defer func() { _ = rows.Close() }()
	var out []row
	for rows.Next() {
		var (
			postID, createdMs, userID int64
			content, first, last      string
		)
		if err := rows.Scan(&postID, &createdMs, &content, &userID, &first, &last); err != nil {
			return nil, errors.Wrap(err, "sqlite fetcher: scan post")
		}
		out = append(out, row{
			id: int32(postID),
			node: map[string]any{
				"id":         graph.EncodeID(postID, kindPost),
				"__typename": kindPost,
				"createdOn":  formatMillis(createdMs),
				"content":    content,
				"author":     userNode(userID, first, last),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: iterate posts")
	}
	return out, nil
}

func (f *SQLiteFetcher) commentsOf(ctx context.Context, postID int32) ([]row, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT c.comment_id, c.created_on_ms, c.content, u.user_id, u.first_name, u.last_name
		FROM comment c JOIN app_user u ON u.user_id = c.author
		WHERE c.post = ?
		ORDER BY c.comment_id ASC`, postID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: list comments")
	}
	defer func() { _ = rows.Close() }()
	var out []row
	for rows.Next() {
		var (
			commentID, createdMs, userID int64
			content, first, last         string
		)
		if err := rows.Scan(&commentID, &createdMs, &content, &userID, &first, &last); err != nil {
			return nil, errors.Wrap(err, "sqlite fetcher: scan comment")
		}
		out = append(out, row{
			id: int32(commentID),
			node: map[string]any{
				"id":         graph.EncodeID(commentID, kindComment),
				"__typename": kindComment,
				"createdOn":  formatMillis(createdMs),
				"content":    content,
				"author":     userNode(userID, first, last),
				"post":       map[string]any{"id": graph.EncodeID(int64(postID), kindPost), "__typename": kindPost},
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: iterate comments")
	}
	return out, nil
}

func userNode(id int64, first, last string) map[string]any {
	return map[string]any{
		"id":         graph.EncodeID(id, kindAppUser),
		"__typename": kindAppUser,
		"firstName":  first,
		"lastName":   last,
	}
}

type rangeArgs struct {
	after, before *string
	first, last   *int
}

func rangeArgsFrom(vars map[string]any) (rangeArgs, error) {
	var a rangeArgs
	if s, ok := vars["after"].(string); ok && s != "" {
		a.after = &s
	}
	if s, ok := vars["before"].(string); ok && s != "" {
		a.before = &s
	}
	for name, dst := range map[string]**int{"first": &a.first, "last": &a.last} {
		raw, ok := vars[name]
		if !ok || raw == nil {
			continue
		}
		n, err := intVar(raw)
		if err != nil {
			return a, protocolError(err, "variable "+name)
		}
		if n < 0 {
			return a, protocolError(nil, fmt.Sprintf("variable %s must not be negative", name))
		}
		*dst = &n
	}
	return a, nil
}

func intVar(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	}
	return 0, errors.Errorf("unsupported integer value %T", v)
}

// paginate slices items (ascending by id) the way the feed server does and
// renders the connection object.
func paginate(args rangeArgs, items []row) (map[string]any, error) {
	position := func(cursor *string) (*int, error) {
		if cursor == nil {
			return nil, nil
		}
		id, err := graph.DecodeDBCursor(*cursor)
		if err != nil {
			return nil, protocolError(err, "decode cursor")
		}
		for i, it := range items {
			if it.id == id {
				return &i, nil
			}
		}
		return nil, nil
	}
	after, err := position(args.after)
	if err != nil {
		return nil, err
	}
	before, err := position(args.before)
	if err != nil {
		return nil, err
	}

	edges := []any{}
	pageInfo := map[string]any{"hasPreviousPage": false, "startCursor": nil}
	start, end, ok := determineRange(after, before, args.first, args.last, len(items))
	if ok {
		if start > end {
			return nil, protocolError(nil, `"after" should not be greater than or equal "before"`)
		}
		for _, it := range items[start : end+1] {
			edges = append(edges, map[string]any{"cursor": graph.EncodeDBCursor(it.id), "node": it.node})
		}
		pageInfo["hasPreviousPage"] = start > 0
		pageInfo["startCursor"] = graph.EncodeDBCursor(items[start].id)
	}
	return map[string]any{"edges": edges, "pageInfo": pageInfo}, nil
}

// determineRange returns the inclusive [start, end] window selected by the
// Relay arguments over n items, or ok=false when the window is empty.
func determineRange(after, before, first, last *int, n int) (start, end int, ok bool) {
	end = n - 1
	if end < 0 {
		end = 0
	}
	if after != nil {
		if *after >= n {
			return 0, 0, false
		}
		start = *after + 1
	}
	if before != nil {
		if *before == 0 {
			return 0, 0, false
		}
		end = *before - 1
	}
	if start > end {
		return 0, 0, false
	}
	if first != nil {
		offset := saturatingSub(*first, 1)
		newEnd := min(end, start+offset)
		if start <= newEnd {
			end = newEnd
		}
	} else if last != nil {
		offset := saturatingSub(*last, 1)
		newStart := max(start, saturatingSub(end, offset))
		if end >= newStart {
			start = newStart
		}
	}
	if n == 0 {
		return 0, 0, false
	}
	return start, end, true
}

func saturatingSub(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}

func normalizeData(data map[string]any) (*graph.Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite fetcher: encode data")
	}
	payload, err := graph.Normalize(raw)
	if err != nil {
		return nil, protocolError(err, "normalize")
	}
	return payload, nil
}

func decodeTyped(id, kind string) (int32, error) {
	dbID, got, err := graph.DecodeID(id)
	if err != nil {
		return 0, protocolError(err, "decode id")
	}
	if got != kind {
		return 0, protocolError(nil, fmt.Sprintf("id %q is a %s, want %s", id, got, kind))
	}
	return toDBID(dbID)
}

func toDBID(v int64) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, protocolError(nil, fmt.Sprintf("db id %d overflows int32", v))
	}
	return int32(v), nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

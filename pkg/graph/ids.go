package graph

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EncodeID builds a global id the way the feed server does:
// base64url("<dbId><TypeName>").
func EncodeID(dbID int64, typeName string) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(dbID, 10) + typeName))
}

// DecodeID splits a global id into its database id and type name.
func DecodeID(id string) (int64, string, error) {
	raw, err := base64.URLEncoding.DecodeString(id)
	if err != nil {
		return 0, "", errors.Wrapf(err, "graph: decode id %q", id)
	}
	s := string(raw)
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) {
		return 0, "", errors.Errorf("graph: id %q has no type suffix", id)
	}
	dbID, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "graph: id %q", id)
	}
	return dbID, s[i:], nil
}

// EncodeDBCursor encodes a database id as the server's cursor format:
// base64url of the little-endian int32.
func EncodeDBCursor(dbID int32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(dbID))
	return base64.URLEncoding.EncodeToString(b[:])
}

// DecodeDBCursor is the inverse of EncodeDBCursor.
func DecodeDBCursor(cursor string) (int32, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errors.Wrap(err, "graph: could not decode cursor")
	}
	if len(b) != 4 {
		return 0, errors.Errorf("graph: cursor had unexpected content")
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// CompareCursors orders two cursors; a positive result means a is newer.
//
// Both cursors must share a format to compare semantically: decimal integers
// compare numerically, RFC 3339 timestamps chronologically, server db cursors
// by decoded id. Mixed or unknown formats fall back to byte order.
func CompareCursors(a, b string) int {
	if a == b {
		return 0
	}
	if ai, err := strconv.ParseInt(a, 10, 64); err == nil {
		if bi, err := strconv.ParseInt(b, 10, 64); err == nil {
			return cmpInt(ai, bi)
		}
	}
	if at, err := time.Parse(time.RFC3339Nano, a); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, b); err == nil {
			return at.Compare(bt)
		}
	}
	if ad, err := DecodeDBCursor(a); err == nil {
		if bd, err := DecodeDBCursor(b); err == nil {
			return cmpInt(int64(ad), int64(bd))
		}
	}
	return strings.Compare(a, b)
}

// Newer reports whether cursor a sorts strictly before b in feed order.
func Newer(a, b string) bool {
	return CompareCursors(a, b) > 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

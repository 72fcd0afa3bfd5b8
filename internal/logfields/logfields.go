// Package logfields holds canonical slog attribute keys so log records from
// the sentinel, parser and graph packages can be correlated.
package logfields

import (
	"log/slog"
	"time"
)

const (
	KeyURL         = "url"
	KeySource      = "source"
	KeyContentHash = "content_hash"
	KeyContentType = "content_type"
	KeyNodePath    = "node_path"
	KeyFromID      = "from_id"
	KeyToID        = "to_id"
	KeyRelation    = "relation"
	KeyStatus      = "status"
	KeyDurationMS  = "duration_ms"
	KeyCount       = "count"
	KeyError       = "error"
)

func URL(u string) slog.Attr { return slog.String(KeyURL, u) }
func Source(id string) slog.Attr { return slog.String(KeySource, id) }
func ContentHash(h string) slog.Attr { return slog.String(KeyContentHash, h) }
func ContentType(ct string) slog.Attr { return slog.String(KeyContentType, ct) }
func NodePath(p string) slog.Attr { return slog.String(KeyNodePath, p) }
func FromID(id string) slog.Attr { return slog.String(KeyFromID, id) }
func ToID(id string) slog.Attr { return slog.String(KeyToID, id) }
func Relation(r string) slog.Attr { return slog.String(KeyRelation, r) }
func Status(s string) slog.Attr { return slog.String(KeyStatus, s) }
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }
func Duration(d time.Duration) slog.Attr { return slog.Int64(KeyDurationMS, d.Milliseconds()) }

// Error returns an error attribute; a nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

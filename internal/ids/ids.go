// Package ids generates the sortable identifiers used for session_id and
// request_id: ULIDs, so IDs created later in a restart sort after IDs
// created before it without a separate sequence column.
package ids

import "github.com/oklog/ulid/v2"

// NewSessionID returns a new ULID string for a Session.
func NewSessionID() string {
	return ulid.Make().String()
}

// NewRequestID returns a new ULID string for a PendingRequest.
func NewRequestID() string {
	return ulid.Make().String()
}

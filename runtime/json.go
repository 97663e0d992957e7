package runtime

import (
	"io"

	json "github.com/goccy/go-json"
)

// decodeJSON decodes Docker's stats payload using goccy/go-json, a
// drop-in faster encoding/json used elsewhere in the pack's dependency
// chain (see DESIGN.md) — stats sampling runs every few seconds per
// cluster, so decode cost is on the hot path.
func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

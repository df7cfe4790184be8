package pool

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Stats is a point-in-time summary of a pool.
type Stats struct {
	Name string `json:"name"`
	Max  int    `json:"max"`
	Size int    `json:"size"`
	Free int    `json:"free"`

	Counters CountersSnapshot `json:"counters"`
}

// String renders the summary the way lifecycle log lines do.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[max=%d size=%d peak=%d waiting=%d free=%d]",
		s.Max, s.Size, s.Counters.Peak, s.Counters.Waiting, s.Free)
}

// EncodeJSON marshals the value to JSON bytes without HTML escaping.
func EncodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// WriteStats writes stats as indented JSON to w.
func WriteStats(w io.Writer, stats ...Stats) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(stats); err != nil {
		return fmt.Errorf("write stats json: %w", err)
	}
	return nil
}

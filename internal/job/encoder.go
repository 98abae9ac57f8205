package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
)

// Fragment places one batch within the final file
type Fragment struct {
	Kind   types.RecordKind
	Format types.OutputFormat
	First  bool
	Last   bool
	// TotalCount is the record count of the whole file, written by the last JSON fragment
	TotalCount int64
	ExportedAt time.Time
}

var csvNewlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Encode renders records as one fragment. Concatenating every fragment of a
// job in part order yields the complete file.
func Encode(records []models.Record, frag Fragment) ([]byte, error) {
	switch frag.Format {
	case types.FormatCSV:
		return encodeCSV(records, frag), nil
	case types.FormatJSON:
		return encodeJSON(records, frag)
	default:
		return nil, fmt.Errorf("unsupported output format %q", frag.Format)
	}
}

// encodeCSV quotes every field so a fragment never depends on the ones before it
func encodeCSV(records []models.Record, frag Fragment) []byte {
	var buf bytes.Buffer
	if frag.First {
		writeCSVRow(&buf, models.CSVHeader(frag.Kind))
		if len(records) > 0 {
			buf.WriteByte('\n')
		}
	}
	for i, r := range records {
		if i > 0 {
			buf.WriteByte('\n')
		}
		writeCSVRow(&buf, r.CSVValues())
	}
	if len(records) > 0 {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeCSVRow(buf *bytes.Buffer, values []string) {
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(csvNewlines.Replace(v), `"`, `""`))
		buf.WriteByte('"')
	}
}

// arrayName is the key of the record array in a JSON export
func arrayName(kind types.RecordKind) string {
	switch kind {
	case types.KindMessages:
		return "messages"
	default:
		return "conversations"
	}
}

func encodeJSON(records []models.Record, frag Fragment) ([]byte, error) {
	var buf bytes.Buffer
	if frag.First {
		buf.WriteString(`{"`)
		buf.WriteString(arrayName(frag.Kind))
		buf.WriteString(`":[`)
	}

	for i, r := range records {
		if i > 0 || !frag.First {
			buf.WriteByte(',')
		}
		element, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", r.RecordID(), err)
		}
		buf.Write(element)
	}

	if frag.Last {
		exportedAt, err := json.Marshal(frag.ExportedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to encode export time: %w", err)
		}
		fmt.Fprintf(&buf, `],"count":%d,"exportedAt":%s}`, frag.TotalCount, exportedAt)
	}
	return buf.Bytes(), nil
}

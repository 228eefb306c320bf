package urcu

import (
	"fmt"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Stats is a point-in-time snapshot of a table's shape. ApproxCount is
// the stripe approximation and can lag the true population while
// updaters are running.
type Stats struct {
	Size         uint64 `json:"size"`
	ResizeTarget uint64 `json:"resizeTarget"`
	ApproxCount  int64  `json:"approxCount"`
	TotalGrowths uint32 `json:"totalGrowths"`
	TotalShrinks uint32 `json:"totalShrinks"`
}

// Stats samples the table. Safe to call from any goroutine, inside or
// outside a critical section.
func (t *Table) Stats() Stats {
	return Stats{
		Size:         t.size.Load(),
		ResizeTarget: t.resizeTarget.Load(),
		ApproxCount:  t.approxCount(),
		TotalGrowths: t.totalGrowths.Load(),
		TotalShrinks: t.totalShrinks.Load(),
	}
}

// String returns a multi-line human-readable rendering of the stats.
func (s Stats) String() string {
	var sb strings.Builder
	sb.WriteString("Stats{\n")
	sb.WriteString(fmt.Sprintf("Size:         %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("ResizeTarget: %d\n", s.ResizeTarget))
	sb.WriteString(fmt.Sprintf("ApproxCount:  %d\n", s.ApproxCount))
	sb.WriteString(fmt.Sprintf("TotalGrowths: %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalShrinks: %d\n", s.TotalShrinks))
	sb.WriteString("}\n")
	return sb.String()
}

var (
	jsonMarshalDefault   = sonnet.Marshal
	jsonUnmarshalDefault = sonnet.Unmarshal

	jsonMarshal   = jsonMarshalDefault
	jsonUnmarshal = jsonUnmarshalDefault
)

// SetDefaultJSONMarshal replaces the package's JSON codec: marshal is
// what Table.MarshalJSON encodes with, and unmarshal is stored as the
// matching decoder. The default is sonnet.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal = marshal
	jsonUnmarshal = unmarshal
}

// MarshalJSON encodes the table's stats snapshot.
func (t *Table) MarshalJSON() ([]byte, error) {
	return jsonMarshal(t.Stats())
}

// String renders the table's stats snapshot.
func (t *Table) String() string {
	return t.Stats().String()
}

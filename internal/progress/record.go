package progress

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is the checkpoint of one dump session.
//
// Tables still to export live in TableRowCounts in export order; the first
// entry is the table in progress. A table is removed once all of its rows are
// in the artifact, so an empty mapping together with Completed means the dump
// is ready for retrieval.
type Record struct {
	DumpName       string         `json:"name"`
	TableRowCounts TableRowCounts `json:"tables"`
	// RowsExported is the offset into the current table.
	RowsExported int  `json:"row"`
	Completed    bool `json:"completed"`
}

// NewRecord starts a record for a fresh dump session.
func NewRecord(now time.Time) *Record {
	return &Record{DumpName: GenerateDumpName(now)}
}

// GenerateDumpName returns the timestamped artifact name for a session
// started at now.
func GenerateDumpName(now time.Time) string {
	return fmt.Sprintf("backup-%s.sql", now.Format(dumpNameLayout))
}

const dumpNameLayout = "2006-01-02-15-04-05"

// ParseDumpName recovers the local start time encoded in a dump name.
func ParseDumpName(name string) (time.Time, error) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, "backup-"), ".sql")
	t, err := time.ParseInLocation(dumpNameLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dump name %q", name)
	}
	return t, nil
}

// CurrentTable returns the table being exported and its snapshotted count.
func (r *Record) CurrentTable() (string, int, bool) {
	return r.TableRowCounts.First()
}

// Advance moves the offset of the current table forward.
func (r *Record) Advance(rows int) {
	if rows > 0 {
		r.RowsExported += rows
	}
}

// FinishTable drops a fully exported table and resets the offset.
func (r *Record) FinishTable(table string) {
	r.TableRowCounts.Delete(table)
	r.RowsExported = 0
}

// MarkCompleted flips the record to completed once no table is left.
// It reports whether the call changed the record.
func (r *Record) MarkCompleted() bool {
	if r.Completed || r.TableRowCounts.Len() > 0 {
		return false
	}
	r.Completed = true
	return true
}

// Validate checks the invariants every persisted record must hold.
func (r *Record) Validate() error {
	if r.DumpName == "" {
		return fmt.Errorf("dump name is empty")
	}
	if r.RowsExported < 0 {
		return fmt.Errorf("negative row offset %d", r.RowsExported)
	}
	for _, table := range r.TableRowCounts.Tables() {
		if count, _ := r.TableRowCounts.Get(table); count < 0 {
			return fmt.Errorf("negative row count %d for table %q", count, table)
		}
	}
	if r.Completed && r.TableRowCounts.Len() > 0 {
		return fmt.Errorf("completed record still lists %d table(s)", r.TableRowCounts.Len())
	}
	table, count, ok := r.CurrentTable()
	if !ok && r.RowsExported != 0 {
		return fmt.Errorf("row offset %d without a current table", r.RowsExported)
	}
	if ok && r.RowsExported > count {
		return fmt.Errorf("row offset %d exceeds %d rows of table %q", r.RowsExported, count, table)
	}
	return nil
}

func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes and validates a persisted record.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

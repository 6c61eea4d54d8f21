package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TableRowCounts maps table names to their expected row count while keeping
// insertion order. The zero value is an empty mapping ready to use.
type TableRowCounts struct {
	order  []string
	counts map[string]int
}

// NewTableRowCounts builds a mapping from ordered table names and their counts.
func NewTableRowCounts(tables []string, counts map[string]int) TableRowCounts {
	var t TableRowCounts
	for _, name := range tables {
		t.Set(name, counts[name])
	}
	return t
}

// Set adds a table at the end of the order, or updates its count in place.
func (t *TableRowCounts) Set(table string, count int) {
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	if _, ok := t.counts[table]; !ok {
		t.order = append(t.order, table)
	}
	t.counts[table] = count
}

func (t TableRowCounts) Get(table string) (int, bool) {
	count, ok := t.counts[table]
	return count, ok
}

// Delete removes a table. Emptied mappings go back to the zero value so that
// equal contents always compare equal.
func (t *TableRowCounts) Delete(table string) {
	if _, ok := t.counts[table]; !ok {
		return
	}
	delete(t.counts, table)
	for i, name := range t.order {
		if name == table {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	if len(t.order) == 0 {
		t.order = nil
		t.counts = nil
	}
}

// First returns the table currently being exported.
func (t TableRowCounts) First() (string, int, bool) {
	if len(t.order) == 0 {
		return "", 0, false
	}
	name := t.order[0]
	return name, t.counts[name], true
}

func (t TableRowCounts) Len() int {
	return len(t.order)
}

func (t TableRowCounts) Tables() []string {
	return append([]string(nil), t.order...)
}

// MarshalJSON writes the mapping as a JSON object with keys in table order.
func (t TableRowCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", t.counts[name])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the key order of the document.
func (t *TableRowCounts) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = TableRowCounts{}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("table row counts: expected object, got %v", tok)
	}

	var out TableRowCounts
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("table row counts: expected table name, got %v", tok)
		}
		if _, dup := out.counts[name]; dup {
			return fmt.Errorf("table row counts: duplicate table %q", name)
		}

		var num json.Number
		if err := dec.Decode(&num); err != nil {
			return fmt.Errorf("table row counts: count for %q: %w", name, err)
		}
		count, err := num.Int64()
		if err != nil {
			return fmt.Errorf("table row counts: count for %q: %w", name, err)
		}
		out.Set(name, int(count))
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*t = out
	return nil
}

// Package csvimport reads the uploaded group list.
package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Required columns, in normalised form
const (
	ColumnName    = "name"
	ColumnGroupID = "groupid"
	ColumnChatID  = "chatid"
)

var requiredColumns = []string{ColumnName, ColumnGroupID, ColumnChatID}

// ErrMissingColumn is returned when the header lacks a required column
var ErrMissingColumn = errors.New("missing column")

// MissingColumnError names the absent column
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("Missing column: %q", e.Column)
}

func (e *MissingColumnError) Unwrap() error {
	return ErrMissingColumn
}

// Row is one group entry from the list
type Row struct {
	Name    string `json:"name"`
	GroupID string `json:"group_id"`
	ChatID  string `json:"chat_id"`
}

var separators = regexp.MustCompile(`[\s_]+`)

// NormalizeHeader lowercases a header and removes whitespace and underscores,
// so "Group ID", "group_id" and "GROUPID" all match.
func NormalizeHeader(h string) string {
	return separators.ReplaceAllString(strings.ToLower(h), "")
}

// Parse reads a CSV group list. The first record is the header; rows may
// have fewer or more fields than the header and blank lines are ignored.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &MissingColumnError{Column: requiredColumns[0]}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		key := NormalizeHeader(col)
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &MissingColumnError{Column: col}
		}
	}

	field := func(record []string, col string) string {
		i := index[col]
		if i >= len(record) {
			return ""
		}
		return record[i]
	}

	rows := []Row{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV: %w", err)
		}

		rows = append(rows, Row{
			Name:    field(record, ColumnName),
			GroupID: field(record, ColumnGroupID),
			ChatID:  field(record, ColumnChatID),
		})
	}

	return rows, nil
}

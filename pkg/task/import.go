package task

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// defaultImportDuration is assumed when an imported row omits one.
const defaultImportDuration = 60

// ParseCSV reads task inputs from CSV with a header row. Recognized
// columns: title (required), description, project, duration (minutes),
// due_date. Column order is free; unknown columns are ignored. Any
// invalid row rejects the whole batch, matching Import's atomicity.
func ParseCSV(r io.Reader) ([]CreateInput, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &ValidationError{Field: "file", Reason: "missing CSV header row"}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["title"]; !ok {
		return nil, &ValidationError{Field: "file", Reason: "CSV header must include a title column"}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var inputs []CreateInput
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ValidationError{Field: "file", Reason: fmt.Sprintf("row %d: %v", row, err)}
		}

		in := CreateInput{
			Title:             field(record, "title"),
			Description:       field(record, "description"),
			Project:           field(record, "project"),
			EstimatedDuration: defaultImportDuration,
		}
		if d := field(record, "duration"); d != "" {
			n, err := strconv.Atoi(d)
			if err != nil {
				return nil, &ValidationError{Field: "file",
					Reason: fmt.Sprintf("row %d: invalid duration %q", row, d)}
			}
			in.EstimatedDuration = n
		}
		if due := field(record, "due_date"); due != "" {
			normalized, err := normalizeImportDate(due)
			if err != nil {
				return nil, &ValidationError{Field: "file",
					Reason: fmt.Sprintf("row %d: %v", row, err)}
			}
			in.DueDate = normalized
		}
		inputs = append(inputs, in)
	}

	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "file", Reason: "no tasks found"}
	}
	return inputs, nil
}

// ParseText reads task inputs from plain text, one task per line in
// the form "Title | Description | Project | Duration | Due Date"; only
// the title is required. Blank lines and lines starting with # are
// skipped.
func ParseText(r io.Reader) ([]CreateInput, error) {
	scanner := bufio.NewScanner(r)

	var inputs []CreateInput
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" {
			return nil, &ValidationError{Field: "file",
				Reason: fmt.Sprintf("line %d: title is required", lineNum)}
		}

		in := CreateInput{Title: parts[0], EstimatedDuration: defaultImportDuration}
		if len(parts) > 1 {
			in.Description = parts[1]
		}
		if len(parts) > 2 {
			in.Project = parts[2]
		}
		if len(parts) > 3 && parts[3] != "" {
			n, err := strconv.Atoi(parts[3])
			if err != nil {
				return nil, &ValidationError{Field: "file",
					Reason: fmt.Sprintf("line %d: invalid duration %q", lineNum, parts[3])}
			}
			in.EstimatedDuration = n
		}
		if len(parts) > 4 && parts[4] != "" {
			normalized, err := normalizeImportDate(parts[4])
			if err != nil {
				return nil, &ValidationError{Field: "file",
					Reason: fmt.Sprintf("line %d: %v", lineNum, err)}
			}
			in.DueDate = normalized
		}
		inputs = append(inputs, in)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("task: failed to read import payload: %w", err)
	}

	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "file", Reason: "no tasks found"}
	}
	return inputs, nil
}

// normalizeImportDate accepts ISO and US date forms and returns the
// canonical YYYY-MM-DD used everywhere else.
func normalizeImportDate(s string) (string, error) {
	for _, layout := range []string{dateLayout, "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(dateLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

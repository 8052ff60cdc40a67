package auditfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
)

// ReadRecords reads shipped audit records from a sink directory in
// chronological order, applying the filter. Malformed lines are skipped:
// shipped files may be truncated by external log collection.
// Used by the audit CLI command; the live query path is the in-process log.
func ReadRecords(dir string, f audit.Filter) ([]audit.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory %s: %w", dir, err)
	}

	var files []fileInfo
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		files = append(files, info)
	}
	sortFiles(files)

	var records []audit.Record
	for _, fi := range files {
		recs, err := readFile(filepath.Join(dir, fi.name), f)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
		if f.Limit > 0 && len(records) >= f.Limit {
			return records[:f.Limit], nil
		}
	}

	return records, nil
}

// readFile reads matching records from a single JSONL file.
func readFile(path string, f audit.Filter) ([]audit.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var records []audit.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if f.Matches(rec) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file %s: %w", path, err)
	}

	return records, nil
}

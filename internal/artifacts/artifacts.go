// Package artifacts implements the durable, append-only directory layout for
// one job: the raw output capture, the sequenced engine-event collection, the
// fact cache, and the atomically finalized status and return-code files.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/seantiz/overseer/internal/model"
)

// Artifact directory entries.
const (
	statusFile   = "status"
	rcFile       = "rc"
	stdoutFile   = "stdout"
	commandFile  = "command"
	eventsDir    = "job_events"
	factCacheDir = "fact_cache"
)

// ErrEventNotFound is returned when no persisted event has the given counter.
var ErrEventNotFound = errors.New("event not found")

// WriteError reports that the durable store could not be written. It is
// fatal to the run that owns the directory.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "write artifact " + e.Path + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Dir is the artifact directory for one job. During a run it has a single
// writer; files are appended, never rewritten, and finalization replaces the
// status and rc files atomically.
type Dir struct {
	ident string
	path  string

	mu     sync.Mutex
	stdout *os.File
	lines  int
}

// Prepare creates the artifact directory tree for the given ident under base
// and opens the raw output capture for appending.
func Prepare(base, ident string) (*Dir, error) {
	path := filepath.Join(base, ident)
	for _, dir := range []string{path, filepath.Join(path, eventsDir), filepath.Join(path, factCacheDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &WriteError{Path: dir, Err: err}
		}
	}

	stdoutPath := filepath.Join(path, stdoutFile)
	f, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &WriteError{Path: stdoutPath, Err: err}
	}

	return &Dir{ident: ident, path: path, stdout: f}, nil
}

// Open returns a read-only view of an existing artifact directory. Appends
// through it fail; it serves history for jobs that are no longer running.
func Open(base, ident string) (*Dir, error) {
	path := filepath.Join(base, ident)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact path %s is not a directory", path)
	}
	return &Dir{ident: ident, path: path}, nil
}

// Ident returns the job identifier the directory belongs to.
func (d *Dir) Ident() string { return d.ident }

// Path returns the root of the artifact directory.
func (d *Dir) Path() string { return d.path }

// AppendStdout appends one raw output line to the capture and returns its
// start and end line offsets.
func (d *Dir) AppendStdout(line string) (start, end int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stdout == nil {
		return 0, 0, &WriteError{Path: filepath.Join(d.path, stdoutFile), Err: os.ErrClosed}
	}
	if _, err := d.stdout.WriteString(line + "\n"); err != nil {
		return 0, 0, &WriteError{Path: filepath.Join(d.path, stdoutFile), Err: err}
	}

	start = d.lines
	d.lines++
	return start, d.lines, nil
}

// WriteEvent persists one engine event, addressable by its counter. The
// payload bytes are stored verbatim: the envelope is marshaled without the
// payload and the raw bytes spliced in, because json.Marshal would compact
// and HTML-escape a RawMessage and break the read-back byte identity.
func (d *Dir) WriteEvent(rec *model.EventRecord) error {
	name := fmt.Sprintf("%d-%s.json", rec.Counter, rec.UUID)
	path := filepath.Join(d.path, eventsDir, name)

	envelope := struct {
		Counter   int    `json:"counter"`
		Kind      string `json:"kind"`
		UUID      string `json:"uuid"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}{rec.Counter, rec.Kind, rec.UUID, rec.StartLine, rec.EndLine}

	head, err := json.Marshal(envelope)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	var buf bytes.Buffer
	buf.Grow(len(head) + len(payload) + len(`,"payload":}`))
	buf.Write(head[:len(head)-1])
	buf.WriteString(`,"payload":`)
	buf.Write(payload)
	buf.WriteByte('}')

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// ReadEvent loads the persisted engine event with the given counter.
func (d *Dir) ReadEvent(counter int) (*model.EventRecord, error) {
	entries, err := os.ReadDir(filepath.Join(d.path, eventsDir))
	if err != nil {
		return nil, err
	}

	prefix := strconv.Itoa(counter) + "-"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return d.loadEvent(e.Name())
		}
	}
	return nil, ErrEventNotFound
}

// Events loads all persisted engine events ordered by counter.
func (d *Dir) Events() ([]*model.EventRecord, error) {
	entries, err := os.ReadDir(filepath.Join(d.path, eventsDir))
	if err != nil {
		return nil, err
	}

	recs := make([]*model.EventRecord, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := d.loadEvent(e.Name())
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Counter < recs[j].Counter })
	return recs, nil
}

func (d *Dir) loadEvent(name string) (*model.EventRecord, error) {
	data, err := os.ReadFile(filepath.Join(d.path, eventsDir, name))
	if err != nil {
		return nil, err
	}
	var rec model.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", name, err)
	}
	return &rec, nil
}

// WriteFactCache stores the opaque fact document for one observed target.
// Path separators in the target name are substituted so every snapshot stays
// inside the fact cache directory.
func (d *Dir) WriteFactCache(host string, doc json.RawMessage) error {
	path := filepath.Join(d.path, factCacheDir, sanitizeHost(host))
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// ReadFactCache loads the fact document for one target.
func (d *Dir) ReadFactCache(host string) (json.RawMessage, error) {
	return os.ReadFile(filepath.Join(d.path, factCacheDir, sanitizeHost(host)))
}

func sanitizeHost(host string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_", "..", "_").Replace(host)
}

// WriteCommand records the rendered invocation for diagnostics.
func (d *Dir) WriteCommand(spec *model.ExecutionSpec) error {
	doc := map[string]any{
		"command":   spec.Command,
		"cwd":       spec.Cwd,
		"env":       spec.Env,
		"isolation": spec.Isolation,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Path: filepath.Join(d.path, commandFile), Err: err}
	}
	return d.writeAtomic(commandFile, data)
}

// Finalize writes the terminal status and return code. Both files are
// replaced atomically so a concurrent observer never sees a partial value.
func (d *Dir) Finalize(status string, rc int) error {
	if err := d.writeAtomic(rcFile, []byte(strconv.Itoa(rc))); err != nil {
		return err
	}
	return d.writeAtomic(statusFile, []byte(status))
}

// ReadStatus returns the finalized status string.
func (d *Dir) ReadStatus() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.path, statusFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadRC returns the finalized return code.
func (d *Dir) ReadRC() (int, error) {
	data, err := os.ReadFile(filepath.Join(d.path, rcFile))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// OpenStdout opens the raw output capture for reading.
func (d *Dir) OpenStdout() (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.path, stdoutFile))
}

// Close releases the stdout capture handle. Appends after Close fail.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdout == nil {
		return nil
	}
	return d.stdout.Close()
}

// writeAtomic writes data to a sibling temp file and renames it into place.
func (d *Dir) writeAtomic(name string, data []byte) error {
	path := filepath.Join(d.path, name)
	tmp, err := os.CreateTemp(d.path, "."+name+"-*")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

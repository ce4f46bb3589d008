// Package tail follows append-only log files under a directory tree and
// returns only the bytes appended since the previous poll.
package tail

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtensions are the file extensions treated as log-bearing.
var DefaultExtensions = []string{".jsonl", ".log"}

// DefaultMaxChunkBytes bounds the bytes read from one file in one poll.
const DefaultMaxChunkBytes = 8 << 20

// Chunk is the data appended to one file since the last poll.
type Chunk struct {
	Path string
	Data []byte

	// Skipped counts appended bytes left out because the delta exceeded the
	// chunk cap. Data then starts at the first whole line that fits.
	Skipped int64
}

// Poller returns newly appended chunks.
type Poller interface {
	Poll() []Chunk
}

// Options configures a Reader.
type Options struct {
	// Extensions filters files by suffix. Empty means DefaultExtensions.
	Extensions []string

	// MaxChunkBytes caps a single chunk. When more was appended only the
	// trailing bytes are returned. Zero or negative means DefaultMaxChunkBytes.
	MaxChunkBytes int64
}

// Reader tracks per-file offsets under a root directory.
// Not safe for concurrent use.
type Reader struct {
	root     string
	exts     []string
	maxChunk int64
	offsets  map[string]int64
}

// NewReader creates a Reader and records the current size of every existing
// log file so that pre-existing content is never returned.
func NewReader(root string, opts Options) *Reader {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	maxChunk := opts.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkBytes
	}
	r := &Reader{
		root:     root,
		exts:     exts,
		maxChunk: maxChunk,
		offsets:  make(map[string]int64),
	}
	r.scan(func(path string, size int64) {
		r.offsets[path] = size
	})
	return r
}

// Root returns the watched root directory.
func (r *Reader) Root() string {
	return r.root
}

// Tracked returns the number of files with a recorded offset.
func (r *Reader) Tracked() int {
	return len(r.offsets)
}

// Offset returns the recorded offset for path.
func (r *Reader) Offset(path string) (int64, bool) {
	off, ok := r.offsets[path]
	return off, ok
}

// Poll returns chunks for every file that grew since the last poll, in
// lexical path order. A missing root yields no chunks.
func (r *Reader) Poll() []Chunk {
	var chunks []Chunk
	seen := make(map[string]bool)

	clean := r.scan(func(path string, size int64) {
		seen[path] = true
		off, known := r.offsets[path]
		switch {
		case !known:
			r.offsets[path] = size
		case size < off:
			// Truncated or rotated
			r.offsets[path] = size
		case size > off:
			data, err := r.readRange(path, off, size)
			if err != nil {
				// Retry next poll from the same offset
				return
			}
			r.offsets[path] = size
			chunks = append(chunks, Chunk{Path: path, Data: data, Skipped: size - off - int64(len(data))})
		}
	})

	if clean {
		for path := range r.offsets {
			if !seen[path] {
				delete(r.offsets, path)
			}
		}
	}
	return chunks
}

// scan walks the root and calls fn for each log-bearing regular file.
// It reports whether the walk completed without any error.
func (r *Reader) scan(fn func(path string, size int64)) bool {
	if _, err := os.Stat(r.root); err != nil {
		return os.IsNotExist(err)
	}

	clean := true
	filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			clean = false
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !r.matches(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			clean = false
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		fn(path, info.Size())
		return nil
	})
	return clean
}

func (r *Reader) matches(path string) bool {
	for _, ext := range r.exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// readRange reads [from, to) from path. A range longer than maxChunk keeps
// only its trailing bytes, starting at the first line boundary among them.
// A single line longer than the cap is kept as its trailing bytes.
func (r *Reader) readRange(path string, from, to int64) ([]byte, error) {
	capped := to-from > r.maxChunk
	if capped {
		// One extra byte tells whether the cut falls on a line boundary.
		from = to - r.maxChunk - 1
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, to-from)
	if _, err := io.ReadFull(io.NewSectionReader(f, from, to-from), buf); err != nil {
		return nil, err
	}
	if !capped {
		return buf, nil
	}
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return buf[i+1:], nil
	}
	return buf[1:], nil
}

package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/thanhnp/chain-node/internal/wire"
)

// HeaderFile is the append-only header file: fixed 80-byte records in chain
// order starting at height 1. Genesis is implied by the network.
type HeaderFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	n    int64
}

// OpenHeaderFile opens or creates the header file at path. A trailing
// partial record left by an interrupted write is cut off.
func OpenHeaderFile(path string) (*HeaderFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Key: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &PersistenceError{Op: "stat", Key: path, Err: err}
	}
	hf := &HeaderFile{path: path, f: f, n: info.Size() / wire.BlockHeaderSize}
	if info.Size()%wire.BlockHeaderSize != 0 {
		if err := f.Truncate(hf.n * wire.BlockHeaderSize); err != nil {
			f.Close()
			return nil, &PersistenceError{Op: "truncate", Key: path, Err: err}
		}
	}
	return hf, nil
}

// Path returns the file location.
func (hf *HeaderFile) Path() string { return hf.path }

// Len is the number of stored headers.
func (hf *HeaderFile) Len() int64 {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.n
}

// ReadAll loads every stored header in order.
func (hf *HeaderFile) ReadAll() ([]wire.BlockHeader, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	buf := make([]byte, hf.n*wire.BlockHeaderSize)
	if _, err := hf.f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, &PersistenceError{Op: "read", Key: hf.path, Err: err}
	}
	headers := make([]wire.BlockHeader, 0, hf.n)
	for off := 0; off < len(buf); off += wire.BlockHeaderSize {
		h, err := wire.ParseBlockHeader(buf[off : off+wire.BlockHeaderSize])
		if err != nil {
			return nil, &PersistenceError{Op: "decode", Key: fmt.Sprintf("%s@%d", hf.path, off), Err: err}
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// Append writes headers after the last record and syncs the file.
func (hf *HeaderFile) Append(headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()

	buf := make([]byte, 0, len(headers)*wire.BlockHeaderSize)
	for i := range headers {
		buf = append(buf, headers[i].Serialize()...)
	}
	if _, err := hf.f.WriteAt(buf, hf.n*wire.BlockHeaderSize); err != nil {
		return &PersistenceError{Op: "write", Key: hf.path, Err: err}
	}
	if err := hf.f.Sync(); err != nil {
		return &PersistenceError{Op: "sync", Key: hf.path, Err: err}
	}
	hf.n += int64(len(headers))
	return nil
}

// Truncate keeps the first n records. It is used when a heavier branch
// replaces the tail of the chain.
func (hf *HeaderFile) Truncate(n int64) error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if n < 0 || n > hf.n {
		return &PersistenceError{Op: "truncate", Key: hf.path, Err: fmt.Errorf("keep %d of %d records", n, hf.n)}
	}
	if err := hf.f.Truncate(n * wire.BlockHeaderSize); err != nil {
		return &PersistenceError{Op: "truncate", Key: hf.path, Err: err}
	}
	hf.n = n
	return nil
}

// Close closes the file.
func (hf *HeaderFile) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.f.Close()
}

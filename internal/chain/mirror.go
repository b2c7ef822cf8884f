package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/stakenet-io/stakenet-chain/pkg/block"
)

// mirrorMagic marks the start of each record in the block mirror file.
var mirrorMagic = [4]byte{'S', 'K', 'B', '1'}

// maxMirrorRecord caps a single serialized block (16 MB).
const maxMirrorRecord = 16 << 20

// Mirror is the compact append-file copy of the chain used for crash
// recovery. Record layout:
//
//	magic(4) | length(4, big-endian) | checksum(32, BLAKE3 of payload) | payload(JSON block)
//
// Records are strictly append-only during normal operation; only crash
// recovery and tail replacement rewrite the file.
type Mirror struct {
	path string
	f    *os.File
}

// OpenMirror opens (or creates) the mirror file at the given path.
func OpenMirror(path string) (*Mirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek mirror: %w", err)
	}
	return &Mirror{path: path, f: f}, nil
}

// Append writes one block record and syncs it to disk.
func (m *Mirror) Append(blk *block.Block) error {
	payload, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("mirror marshal: %w", err)
	}
	if len(payload) > maxMirrorRecord {
		return fmt.Errorf("mirror record too large: %d bytes", len(payload))
	}

	sum := blake3.Sum256(payload)
	header := make([]byte, 4+4+32)
	copy(header[:4], mirrorMagic[:])
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	copy(header[8:], sum[:])

	if _, err := m.f.Write(header); err != nil {
		return fmt.Errorf("mirror write header: %w", err)
	}
	if _, err := m.f.Write(payload); err != nil {
		return fmt.Errorf("mirror write payload: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("mirror sync: %w", err)
	}
	return nil
}

// ReadAll returns every intact block record in file order. A torn or
// corrupt trailing record ends the read without error: everything before
// it is the valid prefix.
func (m *Mirror) ReadAll() ([]*block.Block, error) {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek mirror: %w", err)
	}
	defer m.f.Seek(0, io.SeekEnd)

	var blocks []*block.Block
	header := make([]byte, 4+4+32)
	for {
		if _, err := io.ReadFull(m.f, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return blocks, nil
			}
			return nil, fmt.Errorf("read mirror header: %w", err)
		}
		if [4]byte(header[:4]) != mirrorMagic {
			return blocks, nil // Corrupt record boundary; stop at the valid prefix.
		}
		length := binary.BigEndian.Uint32(header[4:8])
		if length == 0 || length > maxMirrorRecord {
			return blocks, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(m.f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return blocks, nil // Torn write.
			}
			return nil, fmt.Errorf("read mirror payload: %w", err)
		}

		sum := blake3.Sum256(payload)
		var want [32]byte
		copy(want[:], header[8:])
		if sum != want {
			return blocks, nil // Checksum mismatch ends the valid prefix.
		}

		var blk block.Block
		if err := json.Unmarshal(payload, &blk); err != nil {
			return blocks, nil
		}
		blocks = append(blocks, &blk)
	}
}

// Rewrite atomically replaces the mirror contents with the given blocks by
// writing a temp file and renaming it into place.
func (m *Mirror) Rewrite(blocks []*block.Block) error {
	tmpPath := m.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open mirror tmp: %w", err)
	}

	replacement := &Mirror{path: tmpPath, f: tmp}
	for _, blk := range blocks {
		if err := replacement.Append(blk); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close mirror tmp: %w", err)
	}

	if err := m.f.Close(); err != nil {
		return fmt.Errorf("close mirror: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("rename mirror: %w", err)
	}

	f, err := os.OpenFile(m.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("reopen mirror: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek mirror: %w", err)
	}
	m.f = f
	return nil
}

// Close closes the mirror file.
func (m *Mirror) Close() error {
	return m.f.Close()
}

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/lukw00heck/av-service/pkg/proto"
)

// DiskStore keeps one zstd-compressed file per (filename, owner) under a
// data directory. Writes go through a temp file and an atomic rename, so
// readers see either the complete old file, the complete new one, or none.
//
// Layout: {dir}/{hash[0:2]}/{hash}.zst where hash is the SHA-256 of the file key.
type DiskStore struct {
	dir string

	// Serializes create/replace/remove so Save can check-then-rename.
	writeMu sync.Mutex

	// Compression encoder/decoder pools for reuse
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewDiskStore creates a disk store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	ds := &DiskStore{dir: dir}

	ds.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	ds.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return ds, nil
}

// Save stores a new file. Returns ErrFileExists if the key is taken.
func (d *DiskStore) Save(ctx context.Context, file proto.FileMessage) error {
	if err := validate(file.Filename, file.Owner); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	path := d.filePath(file.Filename, file.Owner)
	if fileExists(path) {
		return ErrFileExists
	}
	return d.writeAtomic(path, file.Data)
}

// Load reads a stored file and returns it with the request's id.
func (d *DiskStore) Load(ctx context.Context, file proto.FileMessage) (proto.FileMessage, error) {
	path := d.filePath(file.Filename, file.Owner)

	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return proto.FileMessage{}, ErrFileNotFound
	}
	if err != nil {
		return proto.FileMessage{}, fmt.Errorf("read file: %w", err)
	}

	data, err := d.decompress(compressed)
	if err != nil {
		return proto.FileMessage{}, fmt.Errorf("decompress file: %w", err)
	}

	return file.Derive(proto.FileLoad).WithData(data), nil
}

// Update replaces the payload of an existing file.
func (d *DiskStore) Update(ctx context.Context, file proto.FileMessage) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	path := d.filePath(file.Filename, file.Owner)
	if !fileExists(path) {
		return ErrFileNotFound
	}
	return d.writeAtomic(path, file.Data)
}

// Delete removes a file. Deleting a missing file is not an error.
func (d *DiskStore) Delete(ctx context.Context, filename, owner string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := os.Remove(d.filePath(filename, owner)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Exists reports whether the file is stored.
func (d *DiskStore) Exists(ctx context.Context, filename, owner string) (bool, error) {
	_, err := os.Stat(d.filePath(filename, owner))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat file: %w", err)
}

func (d *DiskStore) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".file-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(d.compress(data)); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (d *DiskStore) filePath(filename, owner string) string {
	h := sha256.Sum256([]byte(proto.FileKey(filename, owner)))
	name := hex.EncodeToString(h[:])
	return filepath.Join(d.dir, name[:2], name+".zst")
}

func (d *DiskStore) compress(data []byte) []byte {
	enc := d.encoderPool.Get().(*zstd.Encoder)
	defer d.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

func (d *DiskStore) decompress(data []byte) ([]byte, error) {
	dec := d.decoderPool.Get().(*zstd.Decoder)
	defer d.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

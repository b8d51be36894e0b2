// Package export produces compliance archives: a site supervisor can
// hand over every recorded exposure, synced or still queued, as one
// self-describing tar.gz with an integrity checksum and optional
// at-rest encryption.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/crypto"
	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/models"
)

// Service builds export archives from the repository.
type Service struct {
	repo *db.Repository
}

// NewService creates an export Service.
func NewService(repo *db.Repository) *Service {
	return &Service{repo: repo}
}

// Config holds one export request.
type Config struct {
	OutputPath string
	Password   string // non-empty enables encryption
	Filters    *db.FilterBuilder
}

// Manifest describes an archive's contents.
type Manifest struct {
	Version      string    `json:"version"`
	ExportedAt   time.Time `json:"exported_at"`
	SyncedCount  int       `json:"synced_count"`
	PendingCount int       `json:"pending_count"`
	Checksum     string    `json:"checksum"` // SHA-256 of records.json + queue.json
	Encrypted    bool      `json:"encrypted"`
}

// Result summarizes a finished export.
type Result struct {
	FilePath     string
	SizeBytes    int64
	SyncedCount  int
	PendingCount int
	Checksum     string
	Encrypted    bool
	Duration     time.Duration
}

const manifestVersion = "1.0"

// Export writes the archive. Synced records honor the optional report
// filters; queued entries are always exported in full, a handoff that
// silently dropped unsynced reports would defeat the point.
func (s *Service) Export(config *Config) (*Result, error) {
	start := time.Now()

	records, err := s.repo.ListSyncedRecords(config.Filters, -1, 0)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.ListPendingExposures()
	if err != nil {
		return nil, err
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode synced records", err)
	}
	queueJSON, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode queued entries", err)
	}

	sum := sha256.New()
	sum.Write(recordsJSON)
	sum.Write(queueJSON)
	checksum := hex.EncodeToString(sum.Sum(nil))

	manifest := &Manifest{
		Version:      manifestVersion,
		ExportedAt:   start,
		SyncedCount:  len(records),
		PendingCount: len(pending),
		Checksum:     checksum,
		Encrypted:    config.Password != "",
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode manifest", err)
	}

	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = fmt.Sprintf("exports/exposurelog_%s.tar.gz", start.Format("20060102_150405"))
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "create export directory", err)
	}

	size, err := writeArchive(outputPath, config.Password, []archiveEntry{
		{name: "manifest.json", data: manifestJSON},
		{name: "records.json", data: recordsJSON},
		{name: "queue.json", data: queueJSON},
	})
	if err != nil {
		return nil, err
	}

	logging.Info("export archive written", map[string]interface{}{
		"path":      outputPath,
		"synced":    len(records),
		"pending":   len(pending),
		"encrypted": manifest.Encrypted,
	})

	return &Result{
		FilePath:     outputPath,
		SizeBytes:    size,
		SyncedCount:  len(records),
		PendingCount: len(pending),
		Checksum:     checksum,
		Encrypted:    manifest.Encrypted,
		Duration:     time.Since(start),
	}, nil
}

// Inspect opens an archive, verifies the content checksum, and returns
// its manifest. The password must match the one used at export time.
func Inspect(archivePath, password string) (*Manifest, error) {
	entries, err := readArchive(archivePath, password)
	if err != nil {
		return nil, err
	}

	manifestJSON, ok := entries["manifest.json"]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "archive has no manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode manifest", err)
	}

	sum := sha256.New()
	sum.Write(entries["records.json"])
	sum.Write(entries["queue.json"])
	if hex.EncodeToString(sum.Sum(nil)) != manifest.Checksum {
		return nil, apperrors.New(apperrors.ErrInvalid, "archive checksum mismatch")
	}
	return &manifest, nil
}

// Records extracts the synced records from a verified archive.
func Records(archivePath, password string) ([]*models.SyncedRecord, error) {
	if _, err := Inspect(archivePath, password); err != nil {
		return nil, err
	}

	entries, err := readArchive(archivePath, password)
	if err != nil {
		return nil, err
	}
	var records []*models.SyncedRecord
	if err := json.Unmarshal(entries["records.json"], &records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode records", err)
	}
	return records, nil
}

type archiveEntry struct {
	name string
	data []byte
}

// writeArchive produces the tar.gz, optionally encrypting the whole
// compressed stream.
func writeArchive(path, password string, entries []archiveEntry) (int64, error) {
	var buf io.Writer
	file, err := os.Create(path)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "create archive", err)
	}
	defer file.Close()

	var plain *os.File
	if password != "" {
		// Build the tarball in a temp file, then encrypt it into place
		plain, err = os.CreateTemp("", "exposurelog-export-*")
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "create temp archive", err)
		}
		defer os.Remove(plain.Name())
		defer plain.Close()
		buf = plain
	} else {
		buf = file
	}

	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0644,
			Size:    int64(len(entry.data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "write archive header", err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "write archive entry", err)
		}
	}
	if err := tw.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "finalize tar", err)
	}
	if err := gz.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "finalize gzip", err)
	}

	if password != "" {
		if _, err := plain.Seek(0, io.SeekStart); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "rewind temp archive", err)
		}
		plainBytes, err := io.ReadAll(plain)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "read temp archive", err)
		}
		encrypted, err := crypto.Encrypt(plainBytes, []byte(password))
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrInternal, "encrypt archive", err)
		}
		if _, err := file.WriteString(encrypted); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "write encrypted archive", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "stat archive", err)
	}
	return info.Size(), nil
}

// readArchive opens a tar.gz written by writeArchive and returns its
// entries by name.
func readArchive(path, password string) (map[string][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read archive", err)
	}

	if password != "" {
		decrypted, err := crypto.Decrypt(string(raw), []byte(password))
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInvalid, "archive decryption failed, wrong password?")
		}
		raw = decrypted
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "open gzip stream", err)
	}
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read tar stream", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read tar entry", err)
		}
		entries[hdr.Name] = data
	}
	return entries, nil
}

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crypton-sys/crypton/internal/version"
	"github.com/rs/zerolog"
)

const archivePrefix = "crypton-backup-"

// Keeps a minimum number of backups regardless of age during rotation.
const minBackupsToKeep = 3

// ArchiveService backs up the cycle history directory to object storage.
type ArchiveService struct {
	client     *Client
	sourceDir  string // directory tree to archive (artifacts/cycles/history)
	stagingDir string
	log        zerolog.Logger
}

// ArchiveMetadata describes one backup archive.
type ArchiveMetadata struct {
	Timestamp      time.Time `json:"timestamp"`
	ServiceVersion string    `json:"service_version"`
	CycleCount     int       `json:"cycle_count"`
	FileCount      int       `json:"file_count"`
	Checksum       string    `json:"checksum"`
}

// BackupInfo represents a backup stored remotely.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewArchiveService creates a backup service for the given source directory.
func NewArchiveService(client *Client, sourceDir, stagingDir string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		client:     client,
		sourceDir:  sourceDir,
		stagingDir: stagingDir,
		log:        log.With().Str("service", "archive_backup").Logger(),
	}
}

// CreateAndUploadBackup archives the source directory into a tar.gz and
// uploads it. No-op (with a log line) when the source holds no cycles yet.
func (s *ArchiveService) CreateAndUploadBackup(ctx context.Context) error {
	s.log.Info().Str("source", s.sourceDir).Msg("Starting archive backup")
	startTime := time.Now()

	cycleCount, err := s.countCycleDirs()
	if err != nil {
		return fmt.Errorf("failed to inspect source directory: %w", err)
	}
	if cycleCount == 0 {
		s.log.Info().Msg("No archived cycles yet, skipping backup")
		return nil
	}

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(s.stagingDir)

	timestamp := time.Now().Format("2006-01-02-150405")
	archiveName := fmt.Sprintf("%s%s.tar.gz", archivePrefix, timestamp)
	archivePath := filepath.Join(s.stagingDir, archiveName)

	fileCount, err := s.createArchive(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	checksum, err := s.calculateChecksum(archivePath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	metadata := ArchiveMetadata{
		Timestamp:      time.Now().UTC(),
		ServiceVersion: version.Version,
		CycleCount:     cycleCount,
		FileCount:      fileCount,
		Checksum:       checksum,
	}
	metadataName := strings.TrimSuffix(archiveName, ".tar.gz") + ".json"
	metadataPath := filepath.Join(s.stagingDir, metadataName)
	if err := s.writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	for _, upload := range []struct {
		name string
		path string
	}{
		{archiveName, archivePath},
		{metadataName, metadataPath},
	} {
		file, err := os.Open(upload.path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", upload.name, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to stat %s: %w", upload.name, err)
		}
		err = s.client.Upload(ctx, upload.name, file, info.Size())
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", upload.name, err)
		}
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int("cycles", cycleCount).
		Int("files", fileCount).
		Msg("Archive backup completed")

	return nil
}

// ListBackups lists archives stored remotely, newest first.
func (s *ArchiveService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.client.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		filename := *obj.Key
		if !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimPrefix(filename, archivePrefix)
		timestampStr = strings.TrimSuffix(timestampStr, ".tar.gz")

		timestamp, err := time.Parse("2006-01-02-150405", timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Failed to parse timestamp from filename")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RotateOldBackups deletes archives older than the retention period.
// retentionDays == 0 keeps everything.
func (s *ArchiveService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	s.log.Info().Int("retention_days", retentionDays).Msg("Starting backup rotation")

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}

	if len(backups) <= minBackupsToKeep {
		s.log.Info().Int("count", len(backups)).Msg("Too few backups to rotate")
		return nil
	}

	var cutoffTime time.Time
	if retentionDays > 0 {
		cutoffTime = time.Now().AddDate(0, 0, -retentionDays)
	}

	deletedCount := 0
	for i, b := range backups {
		if i < minBackupsToKeep || retentionDays == 0 {
			continue
		}
		if b.Timestamp.Before(cutoffTime) {
			if err := s.client.Delete(ctx, b.Filename); err != nil {
				s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
				continue
			}
			metadataName := strings.TrimSuffix(b.Filename, ".tar.gz") + ".json"
			if err := s.client.Delete(ctx, metadataName); err != nil {
				s.log.Debug().Err(err).Str("filename", metadataName).Msg("No metadata object to delete")
			}
			s.log.Info().Str("filename", b.Filename).Msg("Deleted old backup")
			deletedCount++
		}
	}

	s.log.Info().
		Int("deleted", deletedCount).
		Int("remaining", len(backups)-deletedCount).
		Msg("Backup rotation completed")

	return nil
}

func (s *ArchiveService) countCycleDirs() (int, error) {
	entries, err := os.ReadDir(s.sourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return count, nil
}

// createArchive tars the whole source tree with paths relative to it.
func (s *ArchiveService) createArchive(archivePath string) (int, error) {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	fileCount := 0
	err = filepath.Walk(s.sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.sourceDir, path)
		if err != nil {
			return err
		}

		if err := s.addFileToArchive(tarWriter, path, relPath); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", relPath, err)
		}
		fileCount++
		return nil
	})
	if err != nil {
		return 0, err
	}

	return fileCount, nil
}

func (s *ArchiveService) addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}

func (s *ArchiveService) calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func (s *ArchiveService) writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

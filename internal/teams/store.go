package teams

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrFolderConflict = errors.New("data folder already exists")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	// SidecarName is the JSON document written inside every team folder.
	SidecarName = "team_record.json"
	// ArchivePrefix marks folders of closed teams; the startup scan skips them.
	ArchivePrefix = "closed_"
)

// RecordStore owns the on-disk layout under one root directory: one folder
// per team, named after the team's DM channel, holding the sidecar and all
// submitted files.
type RecordStore struct {
	root   string
	logger Logger
}

func NewRecordStore(root string) (*RecordStore, error) {
	return NewRecordStoreWithLogger(root, nil)
}

func NewRecordStoreWithLogger(root string, logger Logger) (*RecordStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &RecordStore{root: root, logger: logger}, nil
}

func (s *RecordStore) Root() string {
	return s.root
}

// Create allocates a fresh data folder for the record, derived from the DM
// channel id, stamps the creation time and writes the first sidecar. Fails
// with ErrFolderConflict when the folder is already taken.
func (s *RecordStore) Create(rec *TeamRecord, channelID int64) error {
	if rec == nil || channelID == 0 {
		return ErrInvalidInput
	}
	folder := filepath.Join(s.root, strconv.FormatInt(channelID, 10))
	if _, err := os.Stat(folder); err == nil {
		return fmt.Errorf("%w: %s", ErrFolderConflict, folder)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	rec.DMChannelID = channelID
	rec.DataFolder = folder
	rec.CreationTime = time.Now().UTC()
	if rec.ReadMessageIDs == nil {
		rec.ReadMessageIDs = map[int64]struct{}{}
	}
	if rec.OtherMembers == nil {
		rec.OtherMembers = map[int64]Identity{}
	}
	return s.Write(rec)
}

// Write overwrites the record's sidecar. The write goes through a temp file
// and rename so a crash never leaves a torn document behind.
func (s *RecordStore) Write(rec *TeamRecord) error {
	if rec == nil || strings.TrimSpace(rec.DataFolder) == "" {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(EncodeRecord(rec), "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(rec.DataFolder, SidecarName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close relocates the record's folder to an archival sibling with the
// reserved prefix, picking a numbered suffix when an earlier archive of the
// same channel already exists. Files are retained, never deleted. Closing
// an already archived record is a no-op.
func (s *RecordStore) Close(rec *TeamRecord) error {
	if rec == nil || strings.TrimSpace(rec.DataFolder) == "" {
		return ErrInvalidInput
	}
	base := filepath.Base(rec.DataFolder)
	if strings.HasPrefix(base, ArchivePrefix) {
		return nil
	}
	target := filepath.Join(s.root, ArchivePrefix+base)
	for suffix := 2; ; suffix++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return err
		}
		target = filepath.Join(s.root, fmt.Sprintf("%s%s_%d", ArchivePrefix, base, suffix))
	}
	if err := os.Rename(rec.DataFolder, target); err != nil {
		return err
	}
	rec.DataFolder = target
	return nil
}

// Load reads and validates the sidecar inside one folder. The folder on
// disk wins over the path stored in the document, so moved data roots keep
// working.
func (s *RecordStore) Load(folder string, resolve IdentityResolver) (*TeamRecord, error) {
	data, err := os.ReadFile(filepath.Join(folder, SidecarName))
	if err != nil {
		return nil, err
	}
	if err := validateSidecar(data); err != nil {
		return nil, err
	}
	var doc recordDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	rec := DecodeRecord(doc, resolve, s.logger)
	rec.DataFolder = folder
	return rec, nil
}

// Scan loads every active team folder under the root. Archived folders,
// folders without a sidecar and sidecars that fail validation are skipped
// with a log line; a bad record never aborts the whole scan.
func (s *RecordStore) Scan(resolve IdentityResolver) ([]*TeamRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var records []*TeamRecord
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ArchivePrefix) {
			continue
		}
		folder := filepath.Join(s.root, entry.Name())
		rec, err := s.Load(folder, resolve)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.logf("skipping %s: %v", entry.Name(), err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RecordStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

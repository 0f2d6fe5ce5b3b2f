package install

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const installedDir = "installed"

var (
	// ErrNotInstalled 表示 origin 没有安装记录。
	ErrNotInstalled = errors.New("app not installed")
	// ErrInvalidManifest 表示清单无法作为应用安装。
	ErrInvalidManifest = errors.New("invalid app manifest")
)

// Record 是一次安装的持久化记录。
type Record struct {
	ID                string          `json:"id"`
	Origin            string          `json:"origin"`
	ManifestURL       string          `json:"manifest_url"`
	Name              string          `json:"name"`
	PackageIdentifier string          `json:"package_identifier,omitempty"`
	Manifest          json.RawMessage `json:"manifest"`
	InstalledAt       time.Time       `json:"installed_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// manifestFields 是安装时关心的清单字段。
type manifestFields struct {
	Name              string `json:"name"`
	PackageIdentifier string `json:"package-identifier"`
}

// Registry 管理安装记录，实现 packagedapp.Installer。
type Registry struct {
	dir    string
	logger *logrus.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewRegistry 在 storagePath/installed 下创建记录目录。
func NewRegistry(storagePath string, logger *logrus.Logger) (*Registry, error) {
	if strings.TrimSpace(storagePath) == "" {
		return nil, errors.New("storage path required")
	}
	dir := filepath.Join(storagePath, installedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create install dir: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// InstallPackagedWebapp 满足 packagedapp.Installer，失败时记录日志并返回 false。
func (r *Registry) InstallPackagedWebapp(manifest []byte, origin, manifestURL string) bool {
	record, err := r.Install(manifest, origin, manifestURL)
	fields := logrus.Fields{
		"action":       "install",
		"origin":       origin,
		"manifest_url": manifestURL,
	}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("install packaged app failed")
		return false
	}
	r.logger.WithFields(fields).WithField("install_id", record.ID).Info("packaged app installed")
	return true
}

// Install 校验清单并写入记录；已安装的 origin 沿用原有的 ID 与安装时间。
func (r *Registry) Install(manifest []byte, origin, manifestURL string) (*Record, error) {
	if origin == "" {
		return nil, errors.New("origin required")
	}
	var fields manifestFields
	if err := json.Unmarshal(manifest, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if strings.TrimSpace(fields.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	record := &Record{
		ID:                uuid.NewString(),
		Origin:            origin,
		ManifestURL:       manifestURL,
		Name:              fields.Name,
		PackageIdentifier: fields.PackageIdentifier,
		Manifest:          json.RawMessage(append([]byte(nil), manifest...)),
		InstalledAt:       now,
		UpdatedAt:         now,
	}
	if existing, err := r.read(r.recordPath(origin)); err == nil {
		record.ID = existing.ID
		record.InstalledAt = existing.InstalledAt
	} else if !errors.Is(err, ErrNotInstalled) {
		return nil, err
	}

	if err := r.write(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get 返回 origin 的安装记录。
func (r *Registry) Get(origin string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(r.recordPath(origin))
}

// List 返回全部安装记录，按 origin 排序。
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		record, err := r.read(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.WithError(err).WithField("file", entry.Name()).Warn("skip unreadable install record")
			continue
		}
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Origin < records[j].Origin })
	return records, nil
}

func (r *Registry) recordPath(origin string) string {
	sum := blake3.Sum256([]byte(origin))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:])+".json")
}

func (r *Registry) read(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotInstalled
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode install record: %w", err)
	}
	return &record, nil
}

func (r *Registry) write(record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(r.dir, ".record-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, r.recordPath(record.Origin)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

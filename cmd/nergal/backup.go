package main

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/store"
)

const (
	archivePrefix = "nergal-"
	dataSection   = "nergal-data"
	dbEntry       = "nergal.db"
	manifestEntry = "manifest.json"
)

type manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Database  string    `json:"database"`
}

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: nergal backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmpDir, err := os.MkdirTemp("", "nergal-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, dbEntry)
	slog.Info("snapshotting database", "path", cfg.Store.Path)
	if err := db.Snapshot(snapshot); err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	m := manifest{Version: version, CreatedAt: time.Now().UTC(), Database: cfg.Store.Path}
	if err := writeArchive(f, snapshot, m); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %s\n", formatSize(size))
	return nil
}

// writeArchive packs the database snapshot and a manifest as tar + zstd.
func writeArchive(w io.Writer, snapshot string, m manifest) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     dataSection + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  m.CreatedAt,
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    dataSection + "/" + manifestEntry,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: m.CreatedAt,
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    dataSection + "/" + dbEntry,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: m.CreatedAt,
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: nergal restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	m, err := restoreArchive(f, cfg.Store.Path, overwrite)
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: snapshot of %s taken %s (nergal %s)\n",
		m.Database, m.CreatedAt.Format(time.RFC3339), m.Version)
	return nil
}

var errNoDatabase = errors.New("archive contains no database")

// restoreArchive extracts the database snapshot to dbPath. An existing
// database is only replaced when overwrite is set.
func restoreArchive(r io.Reader, dbPath string, overwrite bool) (*manifest, error) {
	if !overwrite {
		if _, err := os.Stat(dbPath); err == nil {
			return nil, fmt.Errorf("database %s already exists, add -overwrite to replace it", dbPath)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	m := &manifest{}
	tmp := dbPath + ".restore"
	restored := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		if section != dataSection || !hdr.FileInfo().Mode().IsRegular() {
			continue
		}

		switch rel {
		case manifestEntry:
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
		case dbEntry:
			if err := writeFile(tmp, tr); err != nil {
				_ = os.Remove(tmp)
				return nil, err
			}
			restored = true
		}
	}

	if !restored {
		return nil, errNoDatabase
	}

	// Stale WAL files would be replayed over the restored database
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		return nil, fmt.Errorf("replace database: %w", err)
	}
	slog.Info("database restored", "path", dbPath)
	return m, nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

// splitArchivePath splits "nergal-data/nergal.db" into ("nergal-data", "nergal.db").
// Returns an empty section for entries outside a nergal section.
func splitArchivePath(name string) (section, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if strings.HasPrefix(name, archivePrefix) {
			return name, "./"
		}
		return "", ""
	}

	section = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}

	if !strings.HasPrefix(section, archivePrefix) {
		return "", ""
	}

	return section, relPath
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

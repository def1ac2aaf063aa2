package main

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mkosti/angelia/internal/config"
)

// backupRoots maps archive prefixes to the configured paths they
// snapshot. The prefix scheme lets restore land entries back on a
// possibly different configuration.
func backupRoots(cfg *config.Config) map[string]string {
	return map[string]string{
		"store":  cfg.Store.Path,
		"state":  cfg.State.Dir,
		"media":  cfg.State.MediaDir,
		"outbox": cfg.Outbox.Dir,
	}
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: angelia backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var fileCount int
	for prefix, root := range backupRoots(cfg) {
		n, err := archiveTree(tw, prefix, root)
		if err != nil {
			return fmt.Errorf("archive %s: %w", prefix, err)
		}
		fileCount += n
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", fileCount, formatSize(size))
	return nil
}

// archiveTree writes every regular file under root into tw with the
// given name prefix. A root may also be a single file (the sqlite
// store). Missing roots are skipped, not errors: a fresh install may
// not have produced media or outbox dirs yet.
func archiveTree(tw *tar.Writer, prefix, root string) (int, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		slog.Warn("backup root missing, skipping", "prefix", prefix, "path", root)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if info.Mode().IsRegular() {
		if err := archiveFile(tw, path.Join(prefix, filepath.Base(root)), root, info); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if err := archiveFile(tw, path.Join(prefix, filepath.ToSlash(rel)), p, info); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func archiveFile(tw *tar.Writer, name, p string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
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
		fmt.Fprintf(os.Stderr, "Usage: angelia restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roots := backupRoots(cfg)

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		prefix, rel, ok := splitArchivePath(hdr.Name)
		if !ok {
			continue
		}
		root, known := roots[prefix]
		if !known {
			slog.Warn("unknown archive prefix, skipping", "name", hdr.Name)
			continue
		}

		// The store root is the sqlite file itself.
		var dst string
		if prefix == "store" {
			dst = root
		} else {
			dst = filepath.Join(root, filepath.FromSlash(rel))
			if !strings.HasPrefix(dst, filepath.Clean(root)+string(os.PathSeparator)) {
				return fmt.Errorf("archive entry escapes root: %s", hdr.Name)
			}
		}

		if _, err := os.Stat(dst); err == nil && !overwrite {
			return fmt.Errorf("%s already exists, add -overwrite to replace files", dst)
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", dst, err)
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		_, err = io.Copy(out, tr)
		out.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		restored++
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

// splitArchivePath splits "state/registry.json" into ("state",
// "registry.json").
func splitArchivePath(name string) (prefix, rel string, ok bool) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
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

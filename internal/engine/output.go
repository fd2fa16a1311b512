package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Имена файлов каталога прогона.
const (
	BadgeFile          = "badge.json"
	ReceiptsFile       = "receipts.jsonl"
	AnchorFile         = "anchor.json"
	PolicyTemplateFile = "policy_template.json"
)

var ErrOutputNotEmpty = errors.New("output directory is not empty")

// removeAll подменяется в тестах.
var removeAll = os.RemoveAll

// CheckOutput — каталог пуст или отсутствует, либо разрешена перезапись.
func CheckOutput(dir string, overwrite bool) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: stat output: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("engine: output %s is not a directory", dir)
	}
	if overwrite {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("engine: read output: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("engine: %s: %w (use --overwrite or a new --out)", dir, ErrOutputNotEmpty)
	}
	return nil
}

// Commit атомарно публикует набор файлов: все пишется во временный каталог
// рядом с целевым и переносится rename. Наблюдатель видит либо прежний
// каталог, либо полный новый набор.
// При overwrite каталог заменяется целиком, посторонние файлы в нем удаляются.
func Commit(dir string, files map[string][]byte, overwrite bool, logger *zap.Logger) (err error) {
	if err := CheckOutput(dir, overwrite); err != nil {
		return err
	}

	// 1. Временный каталог на той же файловой системе
	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("engine: create output parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("engine: create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = removeAll(tmp)
		}
	}()

	// 2. Файлы в детерминированном порядке, каждый со sync
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeSynced(filepath.Join(tmp, name), files[name]); err != nil {
			return err
		}
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return fmt.Errorf("engine: chmod staging dir: %w", err)
	}

	// 3. Подмена каталога
	if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
		if err := os.Rename(tmp, dir); err != nil {
			return fmt.Errorf("engine: commit output: %w", err)
		}
		return nil
	}

	backup := tmp + ".old"
	if err := os.Rename(dir, backup); err != nil {
		return fmt.Errorf("engine: move previous output aside: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		if restoreErr := os.Rename(backup, dir); restoreErr != nil {
			return fmt.Errorf("engine: commit output: %w (previous output left at %s)", err, backup)
		}
		return fmt.Errorf("engine: commit output: %w", err)
	}
	// Новый набор уже на месте: сбой уборки не отменяет прогон
	if err := removeAll(backup); err != nil {
		logger.Warn("previous output not removed", zap.String("path", backup), zap.Error(err))
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("engine: create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("engine: write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("engine: sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

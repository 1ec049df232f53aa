package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"vigil/classify"
	"vigil/logger"
)

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("VIGIL_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}

// sweep walks the watch roots once at startup and submits every eligible
// file at its classified priority. Changes arriving mid-sweep are handled by
// the live watcher; duplicate submissions collapse in the pre-filter.
func (c *Coordinator) sweep(ctx context.Context) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Initial sweep"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
	)

	var submitted, visited int64
	for _, root := range c.cfg.WatchPaths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				logger.Warnf("Sweep cannot access %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			visited++
			bar.Add(1)
			if !c.matcher.ShouldInclude(path) {
				return nil
			}
			if c.SubmitPath(path, classify.Classify(path)) {
				submitted++
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Initial sweep cancelled")
				return
			}
			logger.Warnf("Sweep of %s failed: %v", root, err)
		}
	}
	bar.Finish()
	logger.Infof("Initial sweep complete: %d of %d files queued for scanning", submitted, visited)
}

package internal

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/riptide/utils"
)

type ProgressInfo struct {
	FilePath   string
	TotalSize  int64
	Downloaded int64
	Completed  bool
	Failure    string
	StartTime  time.Time
}

// ProgressManager renders a live table of all running downloads on an
// interval. It is display glue for the CLI; the engine only feeds it
// through the progress and speed callbacks.
type ProgressManager struct {
	mutex       sync.RWMutex
	progressMap map[string]*ProgressInfo
	speed       int64
	doneCh      chan struct{}
	numLines    int
}

func NewProgressManager() *ProgressManager {
	return &ProgressManager{
		progressMap: make(map[string]*ProgressInfo),
		doneCh:      make(chan struct{}),
	}
}

func (pm *ProgressManager) Register(id, filePath string) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.progressMap[id] = &ProgressInfo{
		FilePath:  filePath,
		StartTime: time.Now(),
	}
}

func (pm *ProgressManager) Update(id string, prog Progress) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if info, exists := pm.progressMap[id]; exists {
		info.Downloaded = prog.Received
		info.TotalSize = prog.TotalSize
		if prog.FilePath != "" {
			info.FilePath = prog.FilePath
		}
	}
}

func (pm *ProgressManager) UpdateSpeed(bytesPerSec int64) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.speed = bytesPerSec
}

func (pm *ProgressManager) Complete(id string, filePath string, size int64) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if info, exists := pm.progressMap[id]; exists {
		info.Completed = true
		info.Downloaded = size
		info.TotalSize = size
		info.FilePath = filePath
	}
}

func (pm *ProgressManager) ReportError(id string, err error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if info, exists := pm.progressMap[id]; exists {
		info.Completed = true
		info.Failure = fmt.Sprintf("%v", err)
	}
}

func (pm *ProgressManager) StartDisplay() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pm.doneCh:
				pm.render()
				return
			case <-ticker.C:
				pm.render()
			}
		}
	}()
}

func (pm *ProgressManager) Stop() {
	close(pm.doneCh)
}

func (pm *ProgressManager) render() {
	pm.mutex.RLock()
	ids := make([]string, 0, len(pm.progressMap))
	for id := range pm.progressMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var lines []string
	for _, id := range ids {
		info := pm.progressMap[id]
		lines = append(lines, renderLine(info))
	}
	speed := pm.speed
	pm.mutex.RUnlock()

	var sb strings.Builder
	for range pm.numLines {
		sb.WriteString("\033[1A\033[2K")
	}
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString(utils.FInfo(fmt.Sprintf("  %s %s/s", utils.StyleSymbols["arrow"], humanize.Bytes(uint64(speed)))))
	sb.WriteString("\n")
	fmt.Print(sb.String())
	pm.numLines = len(lines) + 1
}

func renderLine(info *ProgressInfo) string {
	name := info.FilePath
	if info.Failure != "" {
		return utils.FError(fmt.Sprintf("  %s %s %s", utils.StyleSymbols["fail"], name, info.Failure))
	}
	if info.Completed {
		return utils.FSuccess(fmt.Sprintf("  %s %s %s", utils.StyleSymbols["pass"], name, humanize.Bytes(uint64(info.Downloaded))))
	}
	if info.TotalSize > 0 {
		pct := float64(info.Downloaded) / float64(info.TotalSize) * 100
		return utils.FPending(fmt.Sprintf("  %s %s %.1f%% (%s of %s)", utils.StyleSymbols["pending"], name, pct,
			humanize.Bytes(uint64(info.Downloaded)), humanize.Bytes(uint64(info.TotalSize))))
	}
	return utils.FPending(fmt.Sprintf("  %s %s %s", utils.StyleSymbols["pending"], name, humanize.Bytes(uint64(info.Downloaded))))
}

// ShowSummary prints the final state of every download after the live
// display stops.
func (pm *ProgressManager) ShowSummary() {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	fmt.Println()
	for id, info := range pm.progressMap {
		elapsed := time.Since(info.StartTime).Round(time.Second)
		if info.Failure != "" {
			utils.PrintError(fmt.Sprintf("%s %s: %s", utils.StyleSymbols["fail"], id, info.Failure))
		} else {
			utils.PrintSuccess(fmt.Sprintf("%s %s %s in %s", utils.StyleSymbols["pass"], info.FilePath,
				humanize.Bytes(uint64(info.Downloaded)), elapsed))
		}
	}
}

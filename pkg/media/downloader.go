// Package media fetches remote audio through yt-dlp and manages the
// local workspace of downloaded files.
package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lexisub/lexisub/pkg/log"
)

// audioExtensions in preference order when scanning the work dir
var audioExtensions = []string{".mp3", ".m4a", ".mp4", ".webm", ".ogg", ".opus"}

// ProgressFunc receives download progress (0-100) and a short message
type ProgressFunc func(pct int, msg string)

// Downloader shells out to yt-dlp, extracting audio as 192k mp3
type Downloader struct {
	binary string
}

// NewDownloader uses the yt-dlp binary found on PATH
func NewDownloader() *Downloader {
	return &Downloader{binary: "yt-dlp"}
}

// progressInterval bounds how often download progress is propagated
const progressInterval = 500 * time.Millisecond

// progress lines look like:
// [download]  42.3% of 10.00MiB at 1.20MiB/s ETA 00:05
var progressLine = regexp.MustCompile(`\[download\]\s+([\d.]+)%(?:.*?at\s+(\S+))?`)

// Title resolves the media title without downloading
func (d *Downloader) Title(ctx context.Context, url string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary,
		"--no-warnings",
		"--skip-download",
		"--print", "title",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp title probe failed: %w", err)
	}
	title := strings.TrimSpace(string(out))
	if title == "" {
		return "", fmt.Errorf("empty title for %s", url)
	}
	return title, nil
}

// DownloadAudio fetches the URL's audio track into workDir as mp3 and
// returns the local path. An audio file already present for the same
// title short-circuits the download.
func (d *Downloader) DownloadAudio(ctx context.Context, url, workDir string, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	logger := log.WithComponent("media")

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	if title, err := d.Title(ctx, url); err == nil {
		if existing := FindExistingAudio(workDir, SanitizeFilename(title)); existing != "" {
			logger.Info().Str("path", existing).Msg("reusing existing audio file")
			progress(100, "audio already downloaded")
			return existing, nil
		}
	}

	outTemplate := filepath.Join(workDir, "%(title).200s.%(ext)s")
	cmd := exec.CommandContext(ctx, d.binary,
		"--no-warnings",
		"--newline",
		"--format", "bestaudio[ext=m4a]/bestaudio[ext=mp3]/bestaudio/best",
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--print", "after_move:filepath",
		"--no-simulate",
		"--output", outTemplate,
		url,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	var finalPath string
	// yt-dlp emits a progress line per chunk; throttle what reaches the
	// task store.
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressLine.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil && limiter.Allow() {
				msg := fmt.Sprintf("downloading: %.1f%%", pct)
				if m[2] != "" {
					msg += " at " + m[2]
				}
				progress(int(pct), msg)
			}
			continue
		}
		// The after_move print is the absolute path of the final file
		if strings.HasPrefix(line, "/") || strings.HasPrefix(line, workDir) {
			finalPath = strings.TrimSpace(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}

	if finalPath == "" || !fileExists(finalPath) {
		// Fall back to scanning the work dir for the newest audio file
		finalPath = FindExistingAudio(workDir, "")
	}
	if finalPath == "" {
		return "", fmt.Errorf("download produced no audio file for %s", url)
	}
	progress(100, "download complete")
	return finalPath, nil
}

// FindExistingAudio looks for an audio file in workDir. With a title
// it prefers an exact or substring match; failing that, the newest
// audio file wins.
func FindExistingAudio(workDir, title string) string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return ""
	}

	type candidate struct {
		path    string
		modTime int64
	}
	var all []candidate

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !isAudioExt(ext) {
			continue
		}
		path := filepath.Join(workDir, e.Name())

		if title != "" {
			stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if stem == title {
				return path
			}
			if strings.Contains(e.Name(), title) {
				return path
			}
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, candidate{path: path, modTime: info.ModTime().UnixNano()})
	}

	if len(all) == 0 {
		return ""
	}
	sort.Slice(all, func(i, j int) bool { return all[i].modTime > all[j].modTime })
	return all[0].path
}

func isAudioExt(ext string) bool {
	for _, a := range audioExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

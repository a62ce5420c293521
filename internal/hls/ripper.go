// Package hls downloads a live HLS broadcast into a local working directory,
// rewriting the media playlist into a VOD playlist over locally numbered
// segments.
package hls

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/riveroon/twitch-archive/internal/fsutil"
	"github.com/riveroon/twitch-archive/pkg/clients"
	"github.com/riveroon/twitch-archive/pkg/logging"
)

const (
	masterTimeout = 15 * time.Second
	repollTimeout = 10 * time.Second

	// playlistAttempts bounds repolls of a failing media playlist.
	playlistAttempts = 10

	// segmentConcurrency bounds in-flight segment fetches per download.
	segmentConcurrency = 6

	// stallTimeout aborts a download that stops producing segments.
	stallTimeout = 5 * time.Minute

	// adTitlePrefix marks server-stitched ad segments by EXTINF title.
	adTitlePrefix = "Amazon"
)

// Result describes a finished download: the rewritten playlist and the
// master-playlist records of the chosen rendition.
type Result struct {
	PlaylistPath string
	Alternative  *m3u8.Alternative
	Variant      *m3u8.Variant
}

// Ripper downloads live streams. Safe for concurrent use; each Download
// call owns its destination directory.
type Ripper struct {
	master *http.Client
	repoll *http.Client
	logger logging.Logger
}

// NewRipper returns a ripper logging through logger.
func NewRipper(logger logging.Logger) *Ripper {
	return &Ripper{
		master: clients.NewHTTPClient(masterTimeout),
		repoll: clients.NewHTTPClient(repollTimeout),
		logger: logger,
	}
}

func (r *Ripper) get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("hls: request returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// alternatives returns the master's rendition entries in document order.
func alternatives(master *m3u8.MasterPlaylist) []*m3u8.Alternative {
	var alts []*m3u8.Alternative
	seen := make(map[*m3u8.Alternative]bool)
	for _, v := range master.Variants {
		for _, alt := range v.Alternatives {
			if alt != nil && !seen[alt] {
				seen[alt] = true
				alts = append(alts, alt)
			}
		}
	}
	return alts
}

// selectAlternative picks the first rendition matching the format priority
// list. "best" matches the first rendition; anything else matches by name
// prefix. Returns nil when nothing matches.
func selectAlternative(master *m3u8.MasterPlaylist, formats []string) *m3u8.Alternative {
	alts := alternatives(master)
	for _, f := range formats {
		if f == "best" {
			if len(alts) > 0 {
				return alts[0]
			}
			continue
		}
		for _, alt := range alts {
			if strings.HasPrefix(alt.Name, f) {
				return alt
			}
		}
	}
	return nil
}

// findVariant locates the variant stream referencing the rendition's group.
func findVariant(master *m3u8.MasterPlaylist, alt *m3u8.Alternative) *m3u8.Variant {
	for _, v := range master.Variants {
		switch alt.Type {
		case "VIDEO":
			if v.Video == alt.GroupId {
				return v
			}
		case "AUDIO":
			if v.Audio == alt.GroupId {
				return v
			}
		case "SUBTITLES":
			if v.Subtitles == alt.GroupId {
				return v
			}
		}
	}
	return nil
}

// segments returns the playlist's decoded segments, dropping the nil tail
// the parser leaves in its fixed-capacity slice.
func segments(media *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	list := media.Segments
	for i, s := range list {
		if s == nil {
			return list[:i]
		}
	}
	return list
}

func writeHeader(w io.Writer, media *m3u8.MediaPlaylist) error {
	_, err := fmt.Fprintf(w,
		"#EXTM3U\n#EXT-X-VERSION:%d\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n",
		media.Version(), int(math.Ceil(media.TargetDuration)), media.SeqNo)
	return err
}

func writeSegment(w io.Writer, seg *m3u8.MediaSegment) error {
	if seg.Discontinuity {
		if _, err := io.WriteString(w, "#EXT-X-DISCONTINUITY\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "#EXTINF:%.3f,%s\n%s\n", seg.Duration, seg.Title, seg.URI)
	return err
}

// Download rips the live stream described by masterURL into dest, choosing a
// rendition by the format priority list. It returns nil when no listed
// format matches the master playlist. The rewritten playlist is written to
// <dest>/<name>.m3u8 with segments under <dest>/<name>/.
func (r *Ripper) Download(ctx context.Context, masterURL, dest string, formats []string) (*Result, error) {
	body, err := r.get(ctx, r.master, masterURL)
	if err != nil {
		return nil, fmt.Errorf("hls: fetch master playlist: %w", err)
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil || listType != m3u8.MASTER {
		return nil, fmt.Errorf("hls: malformed master playlist: %v", err)
	}
	master := playlist.(*m3u8.MasterPlaylist)

	alt := selectAlternative(master, formats)
	if alt == nil {
		r.logger.WithField("formats", strings.Join(formats, ",")).
			Info("No matching quality in master playlist")
		return nil, nil
	}
	variant := findVariant(master, alt)

	mediaURL := alt.URI
	if mediaURL == "" {
		if variant == nil {
			return nil, fmt.Errorf("hls: no stream url for rendition %q", alt.Name)
		}
		mediaURL = variant.URI
	}

	playlistPath := filepath.Join(dest, alt.Name+".m3u8")
	file, err := os.Create(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("hls: create rewritten playlist: %w", err)
	}
	defer file.Close()
	out := bufio.NewWriter(file)

	if err := os.MkdirAll(filepath.Join(dest, alt.Name), 0o755); err != nil {
		return nil, fmt.Errorf("hls: create segment directory: %w", err)
	}

	if err := r.rip(ctx, mediaURL, dest, alt.Name, out); err != nil {
		return nil, err
	}

	if _, err := io.WriteString(out, "#EXT-X-ENDLIST\n"); err != nil {
		return nil, fmt.Errorf("hls: finish rewritten playlist: %w", err)
	}
	if err := out.Flush(); err != nil {
		return nil, fmt.Errorf("hls: flush rewritten playlist: %w", err)
	}

	return &Result{PlaylistPath: playlistPath, Alternative: alt, Variant: variant}, nil
}

// rip runs the polling loop until the media playlist carries ENDLIST.
func (r *Ripper) rip(ctx context.Context, mediaURL, dest, altName string, out *bufio.Writer) error {
	var pos uint64
	init := false
	adFilterArmed := false
	lastProgress := time.Now()

	for {
		ts := time.Now()

		media, err := r.fetchMedia(ctx, mediaURL)
		if err != nil {
			return fmt.Errorf("hls: fetch media playlist: %w", err)
		}
		list := segments(media)

		if !init {
			if err := writeHeader(out, media); err != nil {
				return fmt.Errorf("hls: write playlist header: %w", err)
			}
			pos = media.SeqNo
			init = true
		} else if media.SeqNo > pos {
			r.logger.WithFields(logrus.Fields{
				"media_sequence": media.SeqNo,
				"pos":            pos,
			}).Warn("Media sequence jumped past cursor; stream may not be continuous")
			if len(list) > 0 {
				list[0].Discontinuity = true
			}
			pos = media.SeqNo
		}

		if !adFilterArmed {
			for n, seg := range list {
				idx := media.SeqNo + uint64(n)
				if idx < pos {
					continue
				}
				if strings.HasPrefix(seg.Title, adTitlePrefix) {
					r.logger.WithField("segment", idx).Debug("Skipping ad segment")
					pos++
					continue
				}
				adFilterArmed = true
				break
			}
		}

		wrote, err := r.downloadBatch(ctx, media.SeqNo, pos, list, dest, altName, out)
		if err != nil {
			return err
		}
		if wrote > 0 {
			lastProgress = time.Now()
		} else if time.Since(lastProgress) > stallTimeout {
			return fmt.Errorf("hls: no new segments for %s, aborting", stallTimeout)
		}

		pos = media.SeqNo + uint64(len(list))

		if media.Closed {
			r.logger.Debug("Received ENDLIST, finishing download")
			return nil
		}

		wait := time.Until(ts.Add(time.Duration(media.TargetDuration * float64(time.Second))))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

func (r *Ripper) fetchMedia(ctx context.Context, url string) (*m3u8.MediaPlaylist, error) {
	return clients.Run(ctx, clients.RetryConfig{
		Attempts: playlistAttempts,
		Op:       "fetch media playlist",
		Logger:   r.logger,
	}, func() (*m3u8.MediaPlaylist, error) {
		body, err := r.get(ctx, r.repoll, url)
		if err != nil {
			return nil, err
		}
		playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
		if err != nil || listType != m3u8.MEDIA {
			return nil, fmt.Errorf("hls: malformed media playlist: %v", err)
		}
		return playlist.(*m3u8.MediaPlaylist), nil
	})
}

// downloadBatch fetches every segment at or past the cursor with bounded
// concurrency, then appends their records to the rewritten playlist in
// ascending sequence order. Returns the number of segments written.
func (r *Ripper) downloadBatch(ctx context.Context, seqNo, pos uint64, list []*m3u8.MediaSegment, dest, altName string, out *bufio.Writer) (int, error) {
	type job struct {
		seg *m3u8.MediaSegment
		src string
	}
	var jobs []job
	for n, seg := range list {
		idx := seqNo + uint64(n)
		if idx < pos {
			continue
		}
		src := seg.URI
		seg.URI = fmt.Sprintf("%s/%04d.ts", altName, idx)
		jobs = append(jobs, job{seg: seg, src: src})
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(segmentConcurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return r.fetchSegment(gctx, j.src, filepath.Join(dest, filepath.FromSlash(j.seg.URI)))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for _, j := range jobs {
		if err := writeSegment(out, j.seg); err != nil {
			return 0, fmt.Errorf("hls: write segment record: %w", err)
		}
	}
	if err := out.Flush(); err != nil {
		return 0, fmt.Errorf("hls: flush rewritten playlist: %w", err)
	}
	return len(jobs), nil
}

func (r *Ripper) fetchSegment(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.repoll.Do(req)
	if err != nil {
		return fmt.Errorf("hls: fetch segment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("hls: segment request returned status %d", resp.StatusCode)
	}

	file, err := fsutil.CreateNewFile(path)
	if err != nil {
		return fmt.Errorf("hls: create segment file: %w", err)
	}
	if file == nil {
		return fmt.Errorf("hls: segment file already exists: %s", path)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("hls: write segment file: %w", err)
	}
	return file.Sync()
}

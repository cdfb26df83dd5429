package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Errors
// ===========================

// SongError is a user-facing resolution or playback failure. Its message is
// safe to show in a command response.
type SongError struct {
	msg string
}

func (e *SongError) Error() string { return e.msg }

func NewSongError(format string, v ...any) *SongError {
	return &SongError{msg: fmt.Sprintf(format, v...)}
}

var (
	// ErrQueueIdle is returned by SongQueue.Pop when nothing arrives within
	// the idle timeout.
	ErrQueueIdle = errors.New("queue idle timeout")

	// ErrIndexOutOfRange is returned by SongQueue.Remove for bad positions.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// ===========================
// Song
// ===========================

type LoadState int32

const (
	SongUnloaded LoadState = iota
	SongLoading
	SongLoaded
	SongFailed
)

// Song is a single queued track. The stream URL is fetched lazily by Load so
// that large playlists enqueue instantly; Load may also backfill metadata
// that flat extraction left empty, so the mutable fields live behind the
// mutex and are read through accessors.
type Song struct {
	URL       string
	Requester snowflake.ID
	Infinite  bool

	mu          sync.Mutex
	title       string
	uploader    string
	uploaderURL string
	thumbnail   string
	duration    int // seconds, 0 for live streams
	volume      float64
	state       LoadState
	streamURL   string
	loadErr     error
	loaded      chan struct{}
	skipVotes   map[snowflake.ID]struct{}
}

func NewSong(info TrackInfo, requester snowflake.ID, volume float64, infinite bool) *Song {
	s := &Song{
		URL:         info.URL,
		Requester:   requester,
		Infinite:    infinite,
		title:       info.Title,
		uploader:    info.Uploader,
		uploaderURL: info.UploaderURL,
		thumbnail:   info.Thumbnail,
		duration:    info.Duration,
		volume:      volume,
		skipVotes:   make(map[snowflake.ID]struct{}),
	}
	if info.StreamURL != "" {
		s.state = SongLoaded
		s.streamURL = info.StreamURL
	}
	return s
}

func (s *Song) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Song) Uploader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploader
}

func (s *Song) UploaderURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaderURL
}

func (s *Song) Thumbnail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thumbnail
}

func (s *Song) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Song) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Song) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
}

func (s *Song) State() LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamURL returns the playable URL once Load has succeeded.
func (s *Song) StreamURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamURL, s.state == SongLoaded
}

// Load resolves the stream URL for this song. It is idempotent: concurrent
// callers share a single extraction, later callers return the cached result.
func (s *Song) Load(ctx context.Context, ex Extractor) error {
	s.mu.Lock()
	switch s.state {
	case SongLoaded:
		s.mu.Unlock()
		return nil
	case SongFailed:
		err := s.loadErr
		s.mu.Unlock()
		return err
	case SongLoading:
		ch := s.loaded
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
			err := s.loadErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = SongLoading
	s.loaded = make(chan struct{})
	ch := s.loaded
	query := s.URL
	s.mu.Unlock()

	infos, err := extractWithRetry(ctx, ex, query, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(ch)

	if err != nil {
		s.state = SongFailed
		s.loadErr = err
		return err
	}

	for _, info := range infos {
		if info.StreamURL == "" {
			continue
		}
		s.streamURL = info.StreamURL
		if s.title == "" {
			s.title = info.Title
		}
		if s.uploader == "" {
			s.uploader = info.Uploader
		}
		if s.uploaderURL == "" {
			s.uploaderURL = info.UploaderURL
		}
		if s.thumbnail == "" {
			s.thumbnail = info.Thumbnail
		}
		if s.duration == 0 {
			s.duration = info.Duration
		}
		s.state = SongLoaded
		return nil
	}

	s.state = SongFailed
	s.loadErr = NewSongError("Couldn't fetch a playable stream for %q", s.displayTitleLocked())
	return s.loadErr
}

// AddSkipVote records a vote. It reports false when the user already voted.
func (s *Song) AddSkipVote(userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skipVotes[userID]; ok {
		return false
	}
	s.skipVotes[userID] = struct{}{}
	return true
}

func (s *Song) SkipVoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.skipVotes)
}

func (s *Song) DisplayTitle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayTitleLocked()
}

func (s *Song) displayTitleLocked() string {
	if s.title != "" {
		return s.title
	}
	return s.URL
}

// ===========================
// Extraction
// ===========================

// TrackInfo is one entry produced by an Extractor. StreamURL is empty for
// flat (metadata-only) extraction.
type TrackInfo struct {
	URL         string
	Title       string
	Uploader    string
	UploaderURL string
	Thumbnail   string
	StreamURL   string
	Duration    int
}

// Extractor fetches track metadata and stream URLs for a query. flat skips
// per-entry stream resolution, which is what playlist expansion wants.
type Extractor interface {
	Extract(ctx context.Context, query string, flat bool) ([]TrackInfo, error)
}

const (
	extractRetries    = 2
	extractRetryDelay = 100 * time.Millisecond
)

// extractWithRetry runs one extraction with up to extractRetries additional
// attempts. Transient extractor hiccups are the common failure mode here.
func extractWithRetry(ctx context.Context, ex Extractor, query string, flat bool) ([]TrackInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= extractRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(extractRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		infos, err := ex.Extract(ctx, query, flat)
		if err == nil {
			return infos, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, NewSongError("Couldn't fetch %q: %v", query, lastErr)
}

// ResolveSongs turns a user query into one or more Songs. Playlist URLs are
// expanded flat so their entries load lazily; everything else resolves a
// stream URL up front. Non-URL queries go through search.
func ResolveSongs(ctx context.Context, ex Extractor, query string, requester snowflake.ID, volume float64, infinite bool) ([]*Song, error) {
	flat := isPlaylistURL(query)
	q := query
	if !isURL(query) {
		q = "ytsearch1:" + query
	}

	infos, err := extractWithRetry(ctx, ex, q, flat)
	if err != nil {
		return nil, err
	}

	songs := make([]*Song, 0, len(infos))
	for _, info := range infos {
		if info.URL == "" {
			continue
		}
		songs = append(songs, NewSong(info, requester, volume, infinite))
	}
	if len(songs) == 0 {
		return nil, NewSongError("Couldn't find anything matching %q", query)
	}
	return songs, nil
}

func isURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

func isPlaylistURL(q string) bool {
	if !isURL(q) {
		return false
	}
	return strings.Contains(q, "list=") || strings.Contains(q, "/playlist")
}

// ===========================
// yt-dlp Extractor
// ===========================

type ytdlpExtractor struct{}

func (ytdlpExtractor) Extract(ctx context.Context, query string, flat bool) ([]TrackInfo, error) {
	if flat {
		res, err := ytdlp.New().
			FlatPlaylist().
			Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
			NoWarnings().
			IgnoreConfig().
			Run(ctx, query)
		if err != nil {
			return nil, err
		}
		ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		infos := make([]TrackInfo, 0, len(ls))
		for _, l := range ls {
			ps := strings.Split(l, "\t")
			if len(ps) < 4 {
				continue
			}
			d, _ := time.ParseDuration(ps[3] + "s")
			infos = append(infos, TrackInfo{URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: int(d.Seconds())})
		}
		return infos, nil
	}

	res, err := ytdlp.New().
		Print("%(webpage_url)s\t%(title)s\t%(uploader)s\t%(uploader_url)s\t%(duration)s\t%(thumbnail)s\t%(url)s").
		Format("bestaudio[ext=webm]/bestaudio").
		NoPlaylist().
		NoCheckFormats().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, "--skip-download", query)
	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	infos := make([]TrackInfo, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 7 {
			continue
		}
		d, _ := time.ParseDuration(ps[4] + "s")
		infos = append(infos, TrackInfo{
			URL:         ps[0],
			Title:       ps[1],
			Uploader:    ps[2],
			UploaderURL: ps[3],
			Duration:    int(d.Seconds()),
			Thumbnail:   ps[5],
			StreamURL:   ps[6],
		})
	}
	return infos, nil
}

// ===========================
// Autocomplete Search
// ===========================

type SearchResult struct{ Title, ChannelName, URL string }

func getYoutubePrefix() string {
	if GlobalConfig != nil && GlobalConfig.YoutubePrefix != "" {
		return GlobalConfig.YoutubePrefix
	}
	return "[YT]"
}

func getYTMusicPrefix() string {
	if GlobalConfig != nil && GlobalConfig.YTMusicPrefix != "" {
		return GlobalConfig.YTMusicPrefix
	}
	return "[YTM]"
}

// SearchTracks runs YouTube and YouTube Music searches in parallel with a
// short budget so autocomplete stays inside Discord's response window.
func SearchTracks(q string) ([]SearchResult, error) {
	src, query := "ytmusic", q
	ytp, ytmp := getYoutubePrefix(), getYTMusicPrefix()
	if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytp)) {
		src, query = "youtube", strings.TrimSpace(q[len(ytp):])
	} else if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytmp)) {
		query = strings.TrimSpace(q[len(ytmp):])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, ytmp+" ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, ytp+" ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	var fin []SearchResult
	if src == "youtube" {
		fin = append(yt, ytm...)
	} else {
		fin = append(ytm, yt...)
	}
	if len(fin) > 25 {
		fin = fin[:25]
	}
	return fin, nil
}

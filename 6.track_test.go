package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubExtractor fails a configurable number of times before succeeding and
// records what it was asked for.
type stubExtractor struct {
	mu        sync.Mutex
	calls     int
	failures  int
	lastQuery string
	lastFlat  bool
	infos     []TrackInfo
}

func (s *stubExtractor) Extract(ctx context.Context, query string, flat bool) ([]TrackInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastQuery = query
	s.lastFlat = flat
	if s.calls <= s.failures {
		return nil, errors.New("extractor unavailable")
	}
	if s.infos != nil {
		return s.infos, nil
	}
	return []TrackInfo{{
		URL:       "https://example.com/watch?v=abc",
		Title:     "Test Track",
		Uploader:  "Test Channel",
		Duration:  180,
		StreamURL: "https://cdn.example.com/abc.webm",
	}}, nil
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestExtractWithRetryRecovers(t *testing.T) {
	ex := &stubExtractor{failures: 2}
	infos, err := extractWithRetry(context.Background(), ex, "query", false)
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 info, got %d", len(infos))
	}
	if ex.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", ex.callCount())
	}
}

func TestExtractWithRetryExhausts(t *testing.T) {
	ex := &stubExtractor{failures: 100}
	_, err := extractWithRetry(context.Background(), ex, "query", false)
	if err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
	var se *SongError
	if !errors.As(err, &se) {
		t.Errorf("expected a SongError, got %T", err)
	}
	if ex.callCount() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", ex.callCount())
	}
}

func TestExtractWithRetryStopsOnCancel(t *testing.T) {
	ex := &stubExtractor{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := extractWithRetry(ctx, ex, "query", false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ex.callCount() > 1 {
		t.Errorf("should not retry after cancellation, got %d attempts", ex.callCount())
	}
}

func TestSongLoadIdempotentUnderConcurrency(t *testing.T) {
	ex := &stubExtractor{}
	song := NewSong(TrackInfo{URL: "https://example.com/watch?v=abc"}, 1, 0.5, false)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = song.Load(context.Background(), ex)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("loader %d returned error: %v", i, err)
		}
	}
	if ex.callCount() != 1 {
		t.Errorf("expected a single extraction, got %d", ex.callCount())
	}
	if song.State() != SongLoaded {
		t.Errorf("expected SongLoaded, got %v", song.State())
	}
	if url, ok := song.StreamURL(); !ok || url == "" {
		t.Error("stream URL missing after load")
	}
}

func TestSongLoadFailureIsSticky(t *testing.T) {
	ex := &stubExtractor{failures: 100}
	song := NewSong(TrackInfo{URL: "https://example.com/watch?v=abc"}, 1, 0.5, false)

	if err := song.Load(context.Background(), ex); err == nil {
		t.Fatal("expected load failure")
	}
	calls := ex.callCount()
	if err := song.Load(context.Background(), ex); err == nil {
		t.Fatal("second load should return the cached failure")
	}
	if ex.callCount() != calls {
		t.Errorf("failed song should not re-extract, attempts went %d -> %d", calls, ex.callCount())
	}
	if song.State() != SongFailed {
		t.Errorf("expected SongFailed, got %v", song.State())
	}
}

func TestSongLoadFillsMissingMetadata(t *testing.T) {
	ex := &stubExtractor{}
	song := NewSong(TrackInfo{URL: "https://example.com/watch?v=abc"}, 1, 0.5, false)
	if err := song.Load(context.Background(), ex); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if song.Title() != "Test Track" || song.Uploader() != "Test Channel" || song.Duration() != 180 {
		t.Errorf("metadata not backfilled: %+v", song)
	}
}

func TestSongPreloadedSkipsExtraction(t *testing.T) {
	ex := &stubExtractor{}
	song := NewSong(TrackInfo{URL: "https://example.com/v", StreamURL: "https://cdn.example.com/v"}, 1, 0.5, false)
	if song.State() != SongLoaded {
		t.Fatalf("expected preloaded song, got %v", song.State())
	}
	if err := song.Load(context.Background(), ex); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ex.callCount() != 0 {
		t.Errorf("preloaded song should not extract, got %d calls", ex.callCount())
	}
}

func TestResolveSongsSearchesPlainText(t *testing.T) {
	ex := &stubExtractor{}
	songs, err := ResolveSongs(context.Background(), ex, "never gonna give you up", 42, 0.5, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.HasPrefix(ex.lastQuery, "ytsearch1:") {
		t.Errorf("plain text should go through search, query was %q", ex.lastQuery)
	}
	if ex.lastFlat {
		t.Error("single track resolution should not be flat")
	}
	if len(songs) != 1 || songs[0].Requester != 42 {
		t.Fatalf("unexpected result: %+v", songs)
	}
	if songs[0].Volume() != 0.5 {
		t.Errorf("volume not carried: %v", songs[0].Volume())
	}
}

func TestResolveSongsExpandsPlaylistsFlat(t *testing.T) {
	ex := &stubExtractor{infos: []TrackInfo{
		{URL: "https://example.com/watch?v=a", Title: "A", Duration: 100},
		{URL: "https://example.com/watch?v=b", Title: "B", Duration: 200},
		{URL: "", Title: "broken"},
	}}
	songs, err := ResolveSongs(context.Background(), ex, "https://example.com/playlist?list=PL123", 42, 0.5, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !ex.lastFlat {
		t.Error("playlist URLs should resolve flat")
	}
	if len(songs) != 2 {
		t.Fatalf("expected 2 songs (broken entry dropped), got %d", len(songs))
	}
	for _, s := range songs {
		if s.State() != SongUnloaded {
			t.Errorf("flat playlist entries should defer loading, got %v for %s", s.State(), s.URL)
		}
	}
}

func TestResolveSongsNoResults(t *testing.T) {
	ex := &stubExtractor{infos: []TrackInfo{}}
	_, err := ResolveSongs(context.Background(), ex, "zxqy nonsense", 42, 0.5, false)
	var se *SongError
	if !errors.As(err, &se) {
		t.Fatalf("expected a SongError for empty results, got %v", err)
	}
}

func TestSkipVotes(t *testing.T) {
	song := NewSong(TrackInfo{URL: "https://example.com/v"}, 1, 0.5, false)
	if !song.AddSkipVote(10) {
		t.Error("first vote should count")
	}
	if song.AddSkipVote(10) {
		t.Error("duplicate vote should be rejected")
	}
	if !song.AddSkipVote(11) {
		t.Error("second distinct vote should count")
	}
	if song.SkipVoteCount() != 2 {
		t.Errorf("expected 2 votes, got %d", song.SkipVoteCount())
	}
}

func TestURLClassification(t *testing.T) {
	cases := []struct {
		q        string
		url      bool
		playlist bool
	}{
		{"rick astley", false, false},
		{"https://youtube.com/watch?v=abc", true, false},
		{"https://youtube.com/watch?v=abc&list=PL1", true, true},
		{"https://music.example.com/playlist/123", true, true},
		{"http://example.com/a", true, false},
	}
	for _, c := range cases {
		if got := isURL(c.q); got != c.url {
			t.Errorf("isURL(%q) = %v, want %v", c.q, got, c.url)
		}
		if got := isPlaylistURL(c.q); got != c.playlist {
			t.Errorf("isPlaylistURL(%q) = %v, want %v", c.q, got, c.playlist)
		}
	}
}

func TestExtractRetryDelayIsShort(t *testing.T) {
	ex := &stubExtractor{failures: 2}
	start := time.Now()
	if _, err := extractWithRetry(context.Background(), ex, "query", false); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retries took too long: %s", elapsed)
	}
}

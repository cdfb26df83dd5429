package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeOutput is an in-memory AudioOutput. finish completes the active stream
// as if playback ended.
type fakeOutput struct {
	mu          sync.Mutex
	connected   bool
	paused      bool
	volume      float64
	plays       []string
	current     chan error
	disconnects int
}

func (f *fakeOutput) Connect(ctx context.Context, channelID snowflake.ID) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) Play(ctx context.Context, streamURL string) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan error, 1)
	f.current = ch
	f.plays = append(f.plays, streamURL)
	return ch, nil
}

func (f *fakeOutput) SetVolume(gain float64) {
	f.mu.Lock()
	f.volume = gain
	f.mu.Unlock()
}

func (f *fakeOutput) SetPaused(paused bool) {
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()
}

func (f *fakeOutput) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeOutput) Stop() {
	f.finish(nil)
}

func (f *fakeOutput) Disconnect(ctx context.Context) {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeOutput) finish(err error) {
	f.mu.Lock()
	ch := f.current
	f.current = nil
	f.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (f *fakeOutput) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeOutput) playAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.plays) {
		return ""
	}
	return f.plays[i]
}

func loadedSong(id string, requester snowflake.ID) *Song {
	return NewSong(TrackInfo{
		URL:       "https://example.com/watch?v=" + id,
		Title:     "Track " + id,
		StreamURL: "https://cdn.example.com/" + id,
		Duration:  100,
	}, requester, 0.5, false)
}

func newTestClient(t *testing.T, out *fakeOutput, listeners int) (*MusicSystem, *VoiceClient) {
	t.Helper()
	ms := NewMusicSystem()
	vc := ms.getOrCreateWith(snowflake.ID(1), snowflake.ID(2), func() *VoiceClient {
		c := newVoiceClient(ms, nil, 1, 2, out, &stubExtractor{})
		c.idleTimeout = 150 * time.Millisecond
		c.loadTimeout = time.Second
		c.listeners = func() int { return listeners }
		return c
	})
	if err := vc.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ms.Shutdown(ctx)
	})
	return ms, vc
}

// ===========================
// SongQueue
// ===========================

func TestQueueFIFOOrder(t *testing.T) {
	q := NewSongQueue(nil)
	a, b, c := loadedSong("a", 1), loadedSong("b", 1), loadedSong("c", 1)
	q.Add(a, b)
	q.AddFront(c)

	ctx := context.Background()
	for i, want := range []*Song{c, a, b} {
		got, err := q.Pop(ctx, time.Second)
		if err != nil {
			t.Fatalf("pop %d failed: %v", i, err)
		}
		if got != want {
			t.Errorf("pop %d = %s, want %s", i, got.Title(), want.Title())
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty, has %d", q.Len())
	}
}

func TestQueuePopIdleTimeout(t *testing.T) {
	q := NewSongQueue(nil)
	start := time.Now()
	_, err := q.Pop(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrQueueIdle) {
		t.Fatalf("expected ErrQueueIdle, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("pop returned before the timeout elapsed")
	}
}

func TestQueuePopCancel(t *testing.T) {
	q := NewSongQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Pop(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueuePopWakesOnAdd(t *testing.T) {
	q := NewSongQueue(nil)
	s := loadedSong("a", 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Add(s)
	}()
	got, err := q.Pop(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if got != s {
		t.Error("pop returned the wrong song")
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewSongQueue(nil)
	a, b := loadedSong("a", 1), loadedSong("b", 1)
	q.Add(a, b)

	if _, err := q.Remove(5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange for index 5, got %v", err)
	}
	if _, err := q.Remove(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange for index -1, got %v", err)
	}
	got, err := q.Remove(1)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got != b {
		t.Errorf("removed %s, want %s", got.Title(), b.Title())
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", q.Len())
	}
}

func TestQueueShuffleEmptyIsNoOp(t *testing.T) {
	q := NewSongQueue(nil)
	q.Shuffle()
	if q.Len() != 0 {
		t.Error("shuffle of empty queue changed its length")
	}
}

func TestQueueClearReturnsCount(t *testing.T) {
	q := NewSongQueue(nil)
	q.Add(loadedSong("a", 1), loadedSong("b", 1), loadedSong("c", 1))
	if n := q.Clear(); n != 3 {
		t.Errorf("clear returned %d, want 3", n)
	}
	if q.Len() != 0 {
		t.Error("queue not empty after clear")
	}
}

func TestQueuePrefetchFiresForNewHead(t *testing.T) {
	ch := make(chan *Song, 8)
	q := NewSongQueue(func(s *Song) { ch <- s })
	a, b := loadedSong("a", 1), loadedSong("b", 1)
	q.Add(a, b)

	if _, err := q.Pop(context.Background(), time.Second); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	select {
	case got := <-ch:
		if got != b {
			t.Errorf("prefetch fired for %s, want %s", got.Title(), b.Title())
		}
	case <-time.After(time.Second):
		t.Fatal("prefetch hook never fired")
	}

	// popping the last song exposes no new head
	if _, err := q.Pop(context.Background(), time.Second); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected prefetch for %s on empty queue", got.Title())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueRemoveDoesNotPrefetch(t *testing.T) {
	ch := make(chan *Song, 8)
	q := NewSongQueue(func(s *Song) { ch <- s })
	a, b := loadedSong("a", 1), loadedSong("b", 1)
	q.Add(a, b)

	if _, err := q.Remove(0); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	select {
	case got := <-ch:
		t.Errorf("remove triggered prefetch for %s", got.Title())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueuePopTimeoutAlwaysFires(t *testing.T) {
	// Hammers the window between the waiter's predicate check and its
	// cond.Wait; a wakeup issued there must not be lost.
	q := NewSongQueue(nil)
	for i := 0; i < 50; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := q.Pop(context.Background(), time.Millisecond)
			done <- err
		}()
		select {
		case err := <-done:
			if !errors.Is(err, ErrQueueIdle) {
				t.Fatalf("pop %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("pop %d blocked past its deadline", i)
		}
	}
}

func TestQueueShuffleTriggersPrefetch(t *testing.T) {
	ch := make(chan *Song, 8)
	q := NewSongQueue(func(s *Song) { ch <- s })
	q.Add(loadedSong("a", 1), loadedSong("b", 1), loadedSong("c", 1))
	q.Shuffle()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("shuffle did not trigger prefetch for the new head")
	}
}

// ===========================
// Player
// ===========================

func TestPlayerPlaysQueueInOrder(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	a, b := loadedSong("a", 1), loadedSong("b", 1)
	vc.Enqueue([]*Song{a, b}, "")

	waitFor(t, time.Second, "first play", func() bool { return out.playCount() == 1 })
	if got, _ := a.StreamURL(); out.playAt(0) != got {
		t.Errorf("first play %q, want %q", out.playAt(0), got)
	}
	waitFor(t, time.Second, "current set", func() bool { return vc.Current() == a })

	out.finish(nil)
	waitFor(t, time.Second, "second play", func() bool { return out.playCount() == 2 })
	if got, _ := b.StreamURL(); out.playAt(1) != got {
		t.Errorf("second play %q, want %q", out.playAt(1), got)
	}
}

func TestPlayerLoopRestartsWithoutQueue(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	a, b := loadedSong("a", 1), loadedSong("b", 1)
	vc.Enqueue([]*Song{a, b}, "")
	waitFor(t, time.Second, "first play", func() bool { return out.playCount() == 1 })

	if !vc.ToggleLoop() {
		t.Fatal("loop should be on")
	}
	out.finish(nil)
	waitFor(t, time.Second, "loop replay", func() bool { return out.playCount() == 2 })
	if out.playAt(1) != out.playAt(0) {
		t.Errorf("loop played %q, want replay of %q", out.playAt(1), out.playAt(0))
	}
	if vc.Queue().Len() != 1 {
		t.Errorf("loop consumed the queue, %d pending", vc.Queue().Len())
	}

	if vc.ToggleLoop() {
		t.Fatal("loop should be off")
	}
	out.finish(nil)
	waitFor(t, time.Second, "advance to next", func() bool { return out.playCount() == 3 })
	if want, _ := b.StreamURL(); out.playAt(2) != want {
		t.Errorf("after loop off played %q, want %q", out.playAt(2), want)
	}
}

func TestPlayerSkipClearsLoop(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	a, b := loadedSong("a", 1), loadedSong("b", 1)
	vc.Enqueue([]*Song{a, b}, "")
	waitFor(t, time.Second, "first play", func() bool { return out.playCount() == 1 })

	vc.ToggleLoop()
	vc.Skip()
	waitFor(t, time.Second, "next play", func() bool { return out.playCount() == 2 })
	if want, _ := b.StreamURL(); out.playAt(1) != want {
		t.Errorf("skip played %q, want %q", out.playAt(1), want)
	}
	if vc.Looping() {
		t.Error("skip should clear the loop flag")
	}
}

func TestPlayerEnqueueNowPreempts(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	a, b := loadedSong("a", 1), loadedSong("b", 1)
	vc.Enqueue([]*Song{a}, "")
	waitFor(t, time.Second, "first play", func() bool { return out.playCount() == 1 })

	vc.Enqueue([]*Song{b}, "now")
	waitFor(t, time.Second, "preempt play", func() bool { return out.playCount() == 2 })
	if want, _ := b.StreamURL(); out.playAt(1) != want {
		t.Errorf("now mode played %q, want %q", out.playAt(1), want)
	}
}

func TestPlayerSkipsUnloadableSongs(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	bad := NewSong(TrackInfo{URL: "https://example.com/watch?v=bad"}, 1, 0.5, false)
	bad.state = SongFailed
	bad.loadErr = NewSongError("gone")
	good := loadedSong("good", 1)

	vc.Enqueue([]*Song{bad, good}, "")
	waitFor(t, time.Second, "good song plays", func() bool { return out.playCount() == 1 })
	if want, _ := good.StreamURL(); out.playAt(0) != want {
		t.Errorf("played %q, want the loadable song %q", out.playAt(0), want)
	}
}

func TestPlayerIdleTimeoutTearsDown(t *testing.T) {
	out := &fakeOutput{}
	ms, vc := newTestClient(t, out, 3)

	waitFor(t, 2*time.Second, "player exit", func() bool {
		select {
		case <-vc.doneCh:
			return true
		default:
			return false
		}
	})
	if ms.Get(vc.GuildID) != nil {
		t.Error("client should be evicted after the idle timeout")
	}
	if !vc.IsRemoved() {
		t.Error("client should be marked removed")
	}
	out.mu.Lock()
	disconnects := out.disconnects
	out.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("expected 1 disconnect, got %d", disconnects)
	}
}

func TestPlayerClearSkipsCurrent(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	a, b, c := loadedSong("a", 1), loadedSong("b", 1), loadedSong("c", 1)
	vc.Enqueue([]*Song{a, b, c}, "")
	waitFor(t, time.Second, "first play", func() bool { return vc.Current() == a })

	if n := vc.Clear(); n != 2 {
		t.Errorf("clear removed %d, want 2", n)
	}
	if vc.Queue().Len() != 0 {
		t.Errorf("queue not empty after clear, %d pending", vc.Queue().Len())
	}
	waitFor(t, time.Second, "current stops", func() bool { return vc.Current() == nil })
	if out.playCount() != 1 {
		t.Errorf("cleared queue still played %d tracks", out.playCount())
	}
}

func TestPlayerAppliesSongVolume(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 3)

	s := loadedSong("a", 1)
	s.SetVolume(0.8)
	vc.Enqueue([]*Song{s}, "")
	waitFor(t, time.Second, "play", func() bool { return out.playCount() == 1 })
	out.mu.Lock()
	vol := out.volume
	out.mu.Unlock()
	if vol != 0.8 {
		t.Errorf("output volume %v, want 0.8", vol)
	}
}

// ===========================
// Vote Skip
// ===========================

func TestVoteSkipThreshold(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 5) // needed = (5-1)/2 = 2

	s := loadedSong("a", 100)
	vc.Enqueue([]*Song{s}, "")
	waitFor(t, time.Second, "play", func() bool { return vc.Current() == s })

	skipped, votes, needed, err := vc.VoteSkip(200, false)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if skipped || votes != 1 || needed != 2 {
		t.Errorf("first vote: skipped=%v votes=%d needed=%d", skipped, votes, needed)
	}

	if _, _, _, err := vc.VoteSkip(200, false); err == nil {
		t.Error("duplicate vote should be rejected")
	}

	skipped, votes, _, err = vc.VoteSkip(201, false)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if !skipped || votes != 2 {
		t.Errorf("threshold vote: skipped=%v votes=%d", skipped, votes)
	}
}

func TestVoteSkipRequesterBypasses(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 10)

	s := loadedSong("a", 100)
	vc.Enqueue([]*Song{s}, "")
	waitFor(t, time.Second, "play", func() bool { return vc.Current() == s })

	skipped, _, _, err := vc.VoteSkip(100, false)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if !skipped {
		t.Error("requester should skip without voting")
	}
}

func TestVoteSkipPrivilegedBypasses(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 10)

	s := loadedSong("a", 100)
	vc.Enqueue([]*Song{s}, "")
	waitFor(t, time.Second, "play", func() bool { return vc.Current() == s })

	skipped, _, _, err := vc.VoteSkip(9999, true)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if !skipped {
		t.Error("privileged member should skip without voting")
	}
}

func TestVoteSkipNothingPlaying(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 5)
	if _, _, _, err := vc.VoteSkip(1, false); err == nil {
		t.Error("expected an error with nothing playing")
	}
}

func TestVotesDoNotCarryToNextSong(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 10)

	a, b := loadedSong("a", 100), loadedSong("b", 100)
	vc.Enqueue([]*Song{a, b}, "")
	waitFor(t, time.Second, "first play", func() bool { return vc.Current() == a })

	if _, _, _, err := vc.VoteSkip(200, false); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	out.finish(nil)
	waitFor(t, time.Second, "second play", func() bool { return vc.Current() == b })
	if b.SkipVoteCount() != 0 {
		t.Errorf("votes leaked to the next song: %d", b.SkipVoteCount())
	}
}

func TestVotesSurviveLoopReplay(t *testing.T) {
	out := &fakeOutput{}
	_, vc := newTestClient(t, out, 10) // needed = (10-1)/2 = 4

	s := loadedSong("a", 100)
	vc.Enqueue([]*Song{s}, "")
	waitFor(t, time.Second, "play", func() bool { return vc.Current() == s })
	vc.ToggleLoop()

	if _, _, _, err := vc.VoteSkip(200, false); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	out.finish(nil)
	waitFor(t, time.Second, "loop replay", func() bool { return out.playCount() == 2 })
	if got := s.SkipVoteCount(); got != 1 {
		t.Errorf("loop replay dropped votes: got %d, want 1", got)
	}
}

// ===========================
// Registry
// ===========================

func TestRegistryReturnsSameClient(t *testing.T) {
	ms := NewMusicSystem()
	out := &fakeOutput{}
	create := func() *VoiceClient {
		return newVoiceClient(ms, nil, 1, 2, out, &stubExtractor{})
	}
	a := ms.getOrCreateWith(1, 2, create)
	b := ms.getOrCreateWith(1, 2, create)
	if a != b {
		t.Error("same guild and channel should return the same client")
	}
	ms.Shutdown(context.Background())
}

func TestRegistryReplacesRemovedClient(t *testing.T) {
	ms := NewMusicSystem()
	create := func() *VoiceClient {
		return newVoiceClient(ms, nil, 1, 2, &fakeOutput{}, &stubExtractor{})
	}
	a := ms.getOrCreateWith(1, 2, create)
	ms.Evict(context.Background(), 1)
	if ms.Get(1) != nil {
		t.Error("evicted client still resolvable")
	}
	b := ms.getOrCreateWith(1, 2, create)
	if a == b {
		t.Error("removed client should be replaced with a fresh one")
	}
	ms.Shutdown(context.Background())
}

func TestRegistryChannelChangeReplacesClient(t *testing.T) {
	ms := NewMusicSystem()
	a := ms.getOrCreateWith(1, 2, func() *VoiceClient {
		return newVoiceClient(ms, nil, 1, 2, &fakeOutput{}, &stubExtractor{})
	})
	b := ms.getOrCreateWith(1, 3, func() *VoiceClient {
		return newVoiceClient(ms, nil, 1, 3, &fakeOutput{}, &stubExtractor{})
	})
	if a == b {
		t.Error("channel change should create a new client")
	}
	if !a.IsRemoved() {
		t.Error("old client should be stopped on channel change")
	}
	ms.Shutdown(context.Background())
}

func TestMusicSystemShutdownStopsPlayers(t *testing.T) {
	out := &fakeOutput{}
	ms := NewMusicSystem()
	vc := ms.getOrCreateWith(1, 2, func() *VoiceClient {
		c := newVoiceClient(ms, nil, 1, 2, out, &stubExtractor{})
		c.idleTimeout = time.Minute
		return c
	})
	if err := vc.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	vc.Enqueue([]*Song{loadedSong("a", 1)}, "")
	waitFor(t, time.Second, "play", func() bool { return out.playCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ms.Shutdown(ctx)

	select {
	case <-vc.doneCh:
	default:
		t.Error("player loop still running after shutdown")
	}
	if ms.Get(1) != nil {
		t.Error("registry not empty after shutdown")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogPlayer, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if musicSystem != nil {
					LogPlayer("Shutting down music system...")
					musicSystem.Shutdown(context.Background())
				}
			}
		})

		ms := GetMusicSystem()
		RegisterVoiceStateUpdateHandler(ms.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song or playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:         "mode",
						Description:  "Where to place the track (now or next)",
						Required:     false,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Summon the bot to your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback, clear the queue and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Vote to skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle looping of the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Set the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "level",
						Description: "Volume from 0 to 100",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "now",
				Description: "Show the currently playing track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "page",
						Description: "Page of 10 tracks to show",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a track from the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position, starting at 1",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue without stopping playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "infinite",
				Description: "Toggle infinite auto-fill from a saved playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "playlist",
						Description: "Saved playlist to draw from (omit to disable)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played tracks",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "dj",
				Description: "Set or clear the DJ role",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionRole{
						Name:        "role",
						Description: "Role allowed to control playback (omit to clear)",
						Required:    false,
					},
				},
			},
		},
	}, handleMusic)

	managePerm := discord.PermissionManageGuild
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "playlist",
		Description:              "Saved playlists",
		DefaultMemberPermissions: omit.New(&managePerm),
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "add",
				Description: "Save a playlist URL under a name",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "name",
						Description: "Name for the playlist",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "url",
						Description: "Playlist URL to expand and store",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "list",
				Description: "List saved playlists",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Delete a saved playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "name",
						Description: "Name of the playlist to delete",
						Required:    true,
					},
				},
			},
		},
	}, handlePlaylist)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Tunables
// ===========================

var (
	// queueIdleTimeout is how long the player waits on an empty queue before
	// tearing the guild's client down.
	queueIdleTimeout = 180 * time.Second

	// songLoadTimeout bounds stream resolution for a single track.
	songLoadTimeout = 60 * time.Second

	statusDebounce = 500 * time.Millisecond
)

// ===========================
// SongQueue
// ===========================

// SongQueue is the pending-track queue for one guild. A single consumer pops
// from the head; any goroutine may add. When a pop or shuffle exposes a new
// head, the prefetch hook fires for it so its stream URL resolves while the
// previous track is still playing.
type SongQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*Song
	prefetch func(*Song)
}

func NewSongQueue(prefetch func(*Song)) *SongQueue {
	q := &SongQueue{prefetch: prefetch}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *SongQueue) Add(songs ...*Song) {
	if len(songs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, songs...)
	q.mu.Unlock()
	q.cond.Signal()
}

// AddFront places songs at the head of the queue, keeping their order.
func (q *SongQueue) AddFront(songs ...*Song) {
	if len(songs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]*Song{}, songs...), q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop removes and returns the head, blocking until a song arrives, the
// timeout elapses (ErrQueueIdle) or ctx is canceled.
func (q *SongQueue) Pop(ctx context.Context, timeout time.Duration) (*Song, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var expired atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-timer.C:
			expired.Store(true)
		case <-done:
			return
		}
		// Broadcast under the lock so a waiter between its predicate
		// check and Wait cannot miss the wakeup.
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if expired.Load() {
			return nil, ErrQueueIdle
		}
		q.cond.Wait()
	}
	s := q.items[0]
	q.items = q.items[1:]
	q.firePrefetchLocked()
	return s, nil
}

func (q *SongQueue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) < 2 {
		return
	}
	rand.Shuffle(len(q.items), func(i, j int) {
		q.items[i], q.items[j] = q.items[j], q.items[i]
	})
	q.firePrefetchLocked()
}

// Remove deletes the song at index i (0-based) and returns it.
func (q *SongQueue) Remove(i int) (*Song, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.items) {
		return nil, ErrIndexOutOfRange
	}
	s := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return s, nil
}

// Clear drops all pending songs and returns how many were removed.
func (q *SongQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *SongQueue) Snapshot() []*Song {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Song, len(q.items))
	copy(out, q.items)
	return out
}

func (q *SongQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *SongQueue) firePrefetchLocked() {
	if len(q.items) > 0 && q.prefetch != nil {
		head := q.items[0]
		go q.prefetch(head)
	}
}

// ===========================
// AudioOutput
// ===========================

// AudioOutput is the voice transport the player drives. The production
// implementation wraps a disgo voice connection and the ffmpeg pipeline.
type AudioOutput interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	// Play starts streaming streamURL and returns a channel that yields the
	// terminal playback error (nil for a clean finish) exactly once.
	Play(ctx context.Context, streamURL string) (<-chan error, error)
	SetVolume(gain float64)
	SetPaused(paused bool)
	Paused() bool
	// Stop ends the current stream without leaving the channel.
	Stop()
	Disconnect(ctx context.Context)
}

// ===========================
// VoiceClient
// ===========================

// VoiceClient owns playback for a single guild: the queue, the player loop
// and the voice channel status line. It is created by the MusicSystem and
// lives until explicitly stopped, kicked, or idle for queueIdleTimeout.
type VoiceClient struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	channelMu sync.RWMutex

	client *bot.Client
	out    AudioOutput
	ex     Extractor
	queue  *SongQueue
	system *MusicSystem

	cancelCtx   context.Context
	cancelFunc  context.CancelFunc
	doneCh      chan struct{}
	startOnce   sync.Once
	goroutineWg sync.WaitGroup

	statusChan chan string
	statusMu   sync.Mutex
	lastStatus string

	mu           sync.Mutex
	current      *Song
	loop         bool
	volume       float64
	removed      bool
	connected    bool
	infiniteID   int64
	infiniteName string
	nextFill     *Song

	// listeners is swappable so playback logic can be driven without a
	// gateway connection.
	listeners   func() int
	fillLimiter *rate.Limiter

	idleTimeout time.Duration
	loadTimeout time.Duration
}

func newVoiceClient(system *MusicSystem, client *bot.Client, guildID, channelID snowflake.ID, out AudioOutput, ex Extractor) *VoiceClient {
	ctx, cancel := context.WithCancel(context.Background())
	vc := &VoiceClient{
		GuildID:     guildID,
		ChannelID:   channelID,
		client:      client,
		out:         out,
		ex:          ex,
		system:      system,
		cancelCtx:   ctx,
		cancelFunc:  cancel,
		doneCh:      make(chan struct{}),
		statusChan:  make(chan string, 8),
		volume:      0.35,
		fillLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		idleTimeout: queueIdleTimeout,
		loadTimeout: songLoadTimeout,
	}
	if GlobalConfig != nil {
		vc.volume = GlobalConfig.DefaultVolume
	}
	vc.queue = NewSongQueue(vc.prefetchSong)
	vc.listeners = vc.countListeners

	if DB != nil {
		sctx, scancel := context.WithTimeout(ctx, 3*time.Second)
		if settings, err := GetGuildSettings(sctx, guildID); err == nil {
			vc.volume = settings.Volume
			if settings.InfinitePlaylist != "" {
				if p, err := GetPlaylist(sctx, guildID, settings.InfinitePlaylist); err == nil && p != nil {
					vc.infiniteID = p.ID
					vc.infiniteName = p.Name
				}
			}
		}
		scancel()
	}
	return vc
}

func (vc *VoiceClient) currentChannelID() snowflake.ID {
	vc.channelMu.RLock()
	defer vc.channelMu.RUnlock()
	return vc.ChannelID
}

func (vc *VoiceClient) setChannelID(id snowflake.ID) {
	vc.channelMu.Lock()
	vc.ChannelID = id
	vc.channelMu.Unlock()
}

// Connect opens the voice connection and starts the player loop. Calling it
// on an already connected client is a no-op.
func (vc *VoiceClient) Connect(ctx context.Context) error {
	vc.mu.Lock()
	if vc.connected {
		vc.mu.Unlock()
		vc.Start()
		return nil
	}
	vc.mu.Unlock()

	if err := vc.out.Connect(ctx, vc.currentChannelID()); err != nil {
		return err
	}
	LogVoice(MsgVoiceJoined, vc.currentChannelID(), vc.GuildID)

	vc.mu.Lock()
	vc.connected = true
	vc.mu.Unlock()
	vc.Start()
	return nil
}

// Start launches the player and status goroutines exactly once.
func (vc *VoiceClient) Start() {
	vc.startOnce.Do(func() {
		vc.goroutineWg.Add(2)
		go vc.statusManager()
		go vc.playerTask()
	})
}

func (vc *VoiceClient) IsRemoved() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.removed
}

func (vc *VoiceClient) Current() *Song {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.current
}

func (vc *VoiceClient) IsPlaying() bool {
	return vc.Current() != nil
}

func (vc *VoiceClient) Volume() float64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.volume
}

func (vc *VoiceClient) Queue() *SongQueue { return vc.queue }

func (vc *VoiceClient) Looping() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.loop
}

// Enqueue adds resolved songs. mode "next" puts them at the head, "now"
// additionally skips whatever is playing.
func (vc *VoiceClient) Enqueue(songs []*Song, mode string) {
	switch mode {
	case "now", "next":
		vc.queue.AddFront(songs...)
	default:
		vc.queue.Add(songs...)
	}
	if mode == "now" && vc.IsPlaying() {
		vc.Skip()
	}
}

// Skip ends the current track. Looping is cleared so the player advances
// instead of restarting the same song.
func (vc *VoiceClient) Skip() {
	vc.mu.Lock()
	vc.loop = false
	vc.mu.Unlock()
	vc.out.Stop()
}

// Clear drops the pending queue and skips whatever is playing, returning the
// number of queued tracks removed.
func (vc *VoiceClient) Clear() int {
	n := vc.queue.Clear()
	if vc.Current() != nil {
		vc.Skip()
	}
	return n
}

// VoteSkip applies the skip voting rules. The requester of the current track
// and privileged members skip immediately; everyone else needs a majority of
// the other listeners, floor((listeners-1)/2) votes with a minimum of one.
func (vc *VoiceClient) VoteSkip(userID snowflake.ID, privileged bool) (skipped bool, votes, needed int, err error) {
	current := vc.Current()
	if current == nil {
		return false, 0, 0, errors.New(ErrVoiceNothingPlaying)
	}
	if privileged || current.Requester == userID {
		vc.Skip()
		return true, 0, 0, nil
	}
	if !current.AddSkipVote(userID) {
		return false, current.SkipVoteCount(), 0, errors.New(ErrVoiceAlreadyVoted)
	}
	votes = current.SkipVoteCount()
	needed = (vc.listeners() - 1) / 2
	if needed < 1 {
		needed = 1
	}
	if votes >= needed {
		vc.Skip()
		return true, votes, needed, nil
	}
	return false, votes, needed, nil
}

func (vc *VoiceClient) ToggleLoop() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.loop = !vc.loop
	return vc.loop
}

func (vc *VoiceClient) SetPaused(paused bool) {
	vc.out.SetPaused(paused)
	if paused {
		vc.setStatus("⏸️ Paused")
	} else {
		vc.restoreNowPlayingStatus()
	}
}

func (vc *VoiceClient) Paused() bool { return vc.out.Paused() }

// SetVolume clamps to [0,1], applies to the active stream and persists the
// guild default.
func (vc *VoiceClient) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	vc.mu.Lock()
	vc.volume = v
	current := vc.current
	vc.mu.Unlock()
	if current != nil {
		current.SetVolume(v)
	}
	vc.out.SetVolume(v)
	if DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = SetGuildVolume(ctx, vc.GuildID, v)
	}
}

// SetInfinite enables auto-fill from the named saved playlist, or disables
// it when name is empty.
func (vc *VoiceClient) SetInfinite(ctx context.Context, name string) error {
	if name == "" {
		vc.mu.Lock()
		vc.infiniteID = 0
		vc.infiniteName = ""
		vc.nextFill = nil
		vc.mu.Unlock()
		if DB != nil {
			_ = SetGuildInfinitePlaylist(ctx, vc.GuildID, "")
		}
		LogPlayer(MsgInfiniteDisabled, vc.GuildID)
		return nil
	}

	if DB == nil {
		return errors.New(ErrPlaylistNotFound)
	}
	p, err := GetPlaylist(ctx, vc.GuildID, name)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New(ErrPlaylistNotFound)
	}
	n, err := CountPlaylistEntries(ctx, p.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(ErrPlaylistEmpty)
	}

	vc.mu.Lock()
	vc.infiniteID = p.ID
	vc.infiniteName = p.Name
	vc.mu.Unlock()
	_ = SetGuildInfinitePlaylist(ctx, vc.GuildID, p.Name)
	LogPlayer(MsgInfiniteEnabled, vc.GuildID, p.Name)
	vc.queue.cond.Broadcast()
	return nil
}

func (vc *VoiceClient) InfinitePlaylist() string {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.infiniteName
}

// prefetchSong resolves a song's stream URL ahead of playback. Load is
// idempotent, so racing with the player loop is fine.
func (vc *VoiceClient) prefetchSong(s *Song) {
	ctx, cancel := context.WithTimeout(vc.cancelCtx, vc.loadTimeout)
	defer cancel()
	if err := s.Load(ctx, vc.ex); err != nil && vc.cancelCtx.Err() == nil {
		LogPlayer(MsgPlayerLoadFail, s.DisplayTitle(), err)
	}
}

// playerTask is the per-guild playback loop. It pops the next song, resolves
// its stream within the load budget, plays it to completion and repeats.
// Looping replays the current song without consulting the queue.
func (vc *VoiceClient) playerTask() {
	defer vc.goroutineWg.Done()
	defer close(vc.doneCh)

	for {
		var song *Song

		vc.mu.Lock()
		if vc.loop && vc.current != nil {
			song = vc.current
		}
		vc.mu.Unlock()

		if song == nil {
			var err error
			song, err = vc.nextSong()
			if err != nil {
				if errors.Is(err, ErrQueueIdle) {
					LogPlayer(MsgPlayerIdleTimeout, vc.idleTimeout, vc.GuildID)
					vc.system.Evict(context.Background(), vc.GuildID)
				}
				return
			}
		}

		loadCtx, loadCancel := context.WithTimeout(vc.cancelCtx, vc.loadTimeout)
		err := song.Load(loadCtx, vc.ex)
		loadCancel()
		if err != nil {
			if vc.cancelCtx.Err() != nil {
				return
			}
			LogPlayer(MsgPlayerLoadFail, song.DisplayTitle(), err)
			vc.clearCurrent(song)
			continue
		}

		streamURL, _ := song.StreamURL()

		vc.mu.Lock()
		vc.current = song
		gain := song.Volume()
		if gain <= 0 {
			gain = vc.volume
		}
		vc.mu.Unlock()

		vc.out.SetVolume(gain)
		done, err := vc.out.Play(vc.cancelCtx, streamURL)
		if err != nil {
			if vc.cancelCtx.Err() != nil {
				return
			}
			LogPlayer(MsgPlayerStreamError, song.DisplayTitle(), err)
			vc.clearCurrent(song)
			continue
		}

		LogPlayer(MsgPlayerNowPlaying, song.DisplayTitle(), vc.GuildID)
		vc.setStatus("🎶 " + Truncate(song.DisplayTitle(), 480))
		vc.recordHistory(song)
		if song.Infinite {
			safeGo(vc.prefetchFill)
		}

		select {
		case perr := <-done:
			if perr != nil {
				LogPlayer(MsgPlayerStreamError, song.DisplayTitle(), perr)
			} else {
				LogPlayer(MsgPlayerStreamEnded, song.DisplayTitle(), vc.GuildID)
			}
		case <-vc.cancelCtx.Done():
			return
		}
		vc.setStatus("")

		vc.mu.Lock()
		if !vc.loop {
			vc.current = nil
		}
		vc.mu.Unlock()
	}
}

func (vc *VoiceClient) clearCurrent(song *Song) {
	vc.mu.Lock()
	if vc.current == song {
		vc.current = nil
		vc.loop = false
	}
	vc.mu.Unlock()
}

// nextSong picks the next track. User-queued songs always win; when the
// queue is empty and infinite mode is on, a random saved-playlist entry is
// pulled instead of waiting out the idle timeout.
func (vc *VoiceClient) nextSong() (*Song, error) {
	vc.mu.Lock()
	infiniteID := vc.infiniteID
	next := vc.nextFill
	vc.nextFill = nil
	vc.mu.Unlock()

	if infiniteID != 0 && vc.queue.Len() == 0 {
		if next != nil {
			return next, nil
		}
		if s := vc.pullFill(vc.cancelCtx, infiniteID); s != nil {
			return s, nil
		}
		// fall through to a normal pop so a broken playlist still
		// tears the client down eventually
	}
	return vc.queue.Pop(vc.cancelCtx, vc.idleTimeout)
}

// pullFill resolves one random playlist entry, retrying a few times since
// stored URLs can go stale.
func (vc *VoiceClient) pullFill(ctx context.Context, playlistID int64) *Song {
	if DB == nil {
		return nil
	}
	requester := snowflake.ID(0)
	if vc.client != nil {
		requester = vc.client.ID()
	}
	for attempt := 1; attempt <= 5; attempt++ {
		if err := vc.fillLimiter.Wait(ctx); err != nil {
			return nil
		}
		entry, err := RandomPlaylistEntry(ctx, playlistID)
		if err != nil || entry == nil {
			LogPlayer(MsgInfiniteFillFail, attempt, err)
			return nil
		}
		songs, err := ResolveSongs(ctx, vc.ex, entry.URL, requester, vc.Volume(), true)
		if err != nil {
			LogPlayer(MsgInfiniteFillFail, attempt, err)
			continue
		}
		return songs[0]
	}
	return nil
}

// prefetchFill fetches the next auto-fill track while the current one plays.
func (vc *VoiceClient) prefetchFill() {
	vc.mu.Lock()
	infiniteID := vc.infiniteID
	have := vc.nextFill != nil
	vc.mu.Unlock()
	if infiniteID == 0 || have {
		return
	}
	s := vc.pullFill(vc.cancelCtx, infiniteID)
	if s == nil {
		return
	}
	vc.mu.Lock()
	if vc.nextFill == nil && vc.infiniteID == infiniteID {
		vc.nextFill = s
	}
	vc.mu.Unlock()
}

func (vc *VoiceClient) recordHistory(song *Song) {
	if DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := AddPlayHistory(ctx, vc.GuildID, song.URL, song.DisplayTitle(), song.Requester); err != nil {
		LogPlayer(MsgHistoryWriteFail, err)
	}
}

// countListeners counts non-bot members sharing the bot's channel.
func (vc *VoiceClient) countListeners() int {
	if vc.client == nil {
		return 0
	}
	channelID := vc.currentChannelID()
	n := 0
	for state := range vc.client.Caches.VoiceStates(vc.GuildID) {
		if state.ChannelID != nil && *state.ChannelID == channelID && state.UserID != vc.client.ID() {
			if m, ok := vc.client.Caches.Member(vc.GuildID, state.UserID); !ok || !m.User.Bot {
				n++
			}
		}
	}
	return n
}

// shutdown cancels playback, clears the queue and disconnects. Safe to call
// more than once; the registry calls it from Evict and Shutdown.
func (vc *VoiceClient) shutdown(ctx context.Context) {
	vc.mu.Lock()
	if vc.removed {
		vc.mu.Unlock()
		return
	}
	vc.removed = true
	connected := vc.connected
	vc.mu.Unlock()

	vc.cancelFunc()
	vc.queue.Clear()
	vc.out.Stop()
	vc.pushStatus("")
	if connected {
		vc.out.Disconnect(ctx)
		LogVoice(MsgVoiceLeft, vc.GuildID)
	}
	LogPlayer(MsgPlayerShutdown, vc.GuildID)
}

func (vc *VoiceClient) restoreNowPlayingStatus() {
	if current := vc.Current(); current != nil {
		vc.setStatus("🎶 " + Truncate(current.DisplayTitle(), 480))
	} else {
		vc.setStatus("")
	}
}

// setStatus queues a channel status update. Updates are debounced so rapid
// track changes do not hammer the endpoint.
func (vc *VoiceClient) setStatus(status string) {
	select {
	case vc.statusChan <- status:
	default:
		// drop the oldest pending update
		select {
		case <-vc.statusChan:
		default:
		}
		select {
		case vc.statusChan <- status:
		default:
		}
	}
}

func (vc *VoiceClient) statusManager() {
	defer vc.goroutineWg.Done()
	var pending string
	timer := time.NewTimer(statusDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	var fire <-chan time.Time
	for {
		select {
		case s := <-vc.statusChan:
			pending = s
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(statusDebounce)
			fire = timer.C
		case <-fire:
			fire = nil
			vc.pushStatus(pending)
		case <-vc.cancelCtx.Done():
			return
		}
	}
}

// pushStatus writes the channel voice status immediately, skipping the call
// when nothing changed.
func (vc *VoiceClient) pushStatus(status string) {
	vc.statusMu.Lock()
	if status == vc.lastStatus {
		vc.statusMu.Unlock()
		return
	}
	vc.lastStatus = status
	vc.statusMu.Unlock()

	if vc.client == nil {
		return
	}
	channelID := vc.currentChannelID()
	route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
	if err := vc.client.Rest.Do(route.Compile(nil), map[string]string{"status": status}, nil); err != nil {
		LogStatus(MsgStatusUpdateFail, err)
	}
}

// ===========================
// MusicSystem
// ===========================

// MusicSystem is the per-guild client registry.
type MusicSystem struct {
	mu      sync.Mutex
	clients map[snowflake.ID]*VoiceClient
}

var (
	musicSystem *MusicSystem
	onceMusic   sync.Once
)

func GetMusicSystem() *MusicSystem {
	onceMusic.Do(func() {
		musicSystem = NewMusicSystem()
	})
	return musicSystem
}

func NewMusicSystem() *MusicSystem {
	return &MusicSystem{clients: make(map[snowflake.ID]*VoiceClient)}
}

func (ms *MusicSystem) Get(guildID snowflake.ID) *VoiceClient {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	vc, ok := ms.clients[guildID]
	if !ok || vc.IsRemoved() {
		return nil
	}
	return vc
}

// GetOrCreate returns the guild's client, creating a fresh one when none
// exists, the old one was stopped, or the target channel changed.
func (ms *MusicSystem) GetOrCreate(client *bot.Client, guildID, channelID snowflake.ID) *VoiceClient {
	return ms.getOrCreateWith(guildID, channelID, func() *VoiceClient {
		return newVoiceClient(ms, client, guildID, channelID, newDiscordAudioOutput(client, guildID), ytdlpExtractor{})
	})
}

func (ms *MusicSystem) getOrCreateWith(guildID, channelID snowflake.ID, create func() *VoiceClient) *VoiceClient {
	ms.mu.Lock()
	existing, ok := ms.clients[guildID]
	if ok && !existing.IsRemoved() && existing.currentChannelID() == channelID {
		ms.mu.Unlock()
		return existing
	}
	if ok {
		delete(ms.clients, guildID)
	}
	ms.mu.Unlock()

	if ok {
		existing.shutdown(context.Background())
	}

	vc := create()
	ms.mu.Lock()
	ms.clients[guildID] = vc
	ms.mu.Unlock()
	return vc
}

// Evict removes and stops the guild's client.
func (ms *MusicSystem) Evict(ctx context.Context, guildID snowflake.ID) {
	ms.mu.Lock()
	vc, ok := ms.clients[guildID]
	if ok {
		delete(ms.clients, guildID)
	}
	ms.mu.Unlock()
	if ok {
		vc.shutdown(ctx)
	}
}

// Shutdown stops every client and waits for their player loops to exit or
// ctx to expire.
func (ms *MusicSystem) Shutdown(ctx context.Context) {
	ms.mu.Lock()
	clients := make([]*VoiceClient, 0, len(ms.clients))
	for _, vc := range ms.clients {
		clients = append(clients, vc)
	}
	ms.clients = make(map[snowflake.ID]*VoiceClient)
	ms.mu.Unlock()

	var wg sync.WaitGroup
	for _, vc := range clients {
		wg.Add(1)
		go func(vc *VoiceClient) {
			defer wg.Done()
			vc.shutdown(ctx)
			select {
			case <-vc.doneCh:
			case <-ctx.Done():
			}
		}(vc)
	}
	wg.Wait()
}

// onVoiceStateUpdate reacts to the bot being kicked or moved and pauses when
// the channel empties out.
func (ms *MusicSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	client := event.Client()
	guildID := event.VoiceState.GuildID

	if event.VoiceState.UserID == client.ID() {
		vc := ms.Get(guildID)
		if vc == nil {
			return
		}
		if event.VoiceState.ChannelID == nil {
			LogVoice(MsgVoiceKicked, guildID)
			ms.Evict(context.Background(), guildID)
			return
		}
		if *event.VoiceState.ChannelID != vc.currentChannelID() {
			LogVoice(MsgVoiceMoved, *event.VoiceState.ChannelID, guildID)
			vc.setChannelID(*event.VoiceState.ChannelID)
			vc.restoreNowPlayingStatus()
		}
		return
	}

	vc := ms.Get(guildID)
	if vc == nil {
		return
	}
	humans := vc.listeners()
	if humans == 0 && !vc.out.Paused() {
		LogVoice(MsgVoiceAutoPaused, guildID)
		vc.SetPaused(true)
	} else if humans > 0 && vc.out.Paused() {
		LogVoice(MsgVoiceAutoResumed, guildID)
		vc.SetPaused(false)
	}
}

// ===========================
// Command Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		replyEphemeral(event, ErrVoiceGuildOnly)
		return
	}
	data := event.SlashCommandInteractionData()
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "join":
		handleMusicJoin(event)
	case "stop":
		handleMusicStop(event)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event, true)
	case "resume":
		handleMusicPause(event, false)
	case "loop":
		handleMusicLoop(event)
	case "volume":
		handleMusicVolume(event, data)
	case "now":
		handleMusicNow(event)
	case "queue":
		handleMusicQueue(event, data)
	case "shuffle":
		handleMusicShuffle(event)
	case "remove":
		handleMusicRemove(event, data)
	case "clear":
		handleMusicClear(event)
	case "infinite":
		handleMusicInfinite(event, data)
	case "history":
		handleMusicHistory(event)
	case "dj":
		handleMusicDJ(event, data)
	}
}

func handlePlaylist(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		replyEphemeral(event, ErrVoiceGuildOnly)
		return
	}
	data := event.SlashCommandInteractionData()
	switch *data.SubCommandName {
	case "add":
		handlePlaylistAdd(event, data)
	case "list":
		handlePlaylistList(event)
	case "remove":
		handlePlaylistRemove(event, data)
	}
}

func replyEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(true).
		Build())
}

func reply(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		Build())
}

func finishResponse(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(content).Build())
}

// userSongError extracts the user-facing message from a resolution failure.
func userSongError(err error) string {
	var se *SongError
	if errors.As(err, &se) {
		return se.Error()
	}
	return fmt.Sprintf(ErrVoiceResolveFail, err)
}

// clientForUser finds the caller's voice channel and returns a connected
// client for it.
func clientForUser(event *events.ApplicationCommandInteractionCreate) (*VoiceClient, error) {
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return nil, errors.New(ErrVoiceNotInChannel)
	}
	vc := GetMusicSystem().GetOrCreate(event.Client(), *event.GuildID(), *vs.ChannelID)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := vc.Connect(ctx); err != nil {
		return nil, fmt.Errorf(ErrVoiceJoinFail, err)
	}
	return vc, nil
}

// isPrivilegedMember reports whether the caller may bypass skip voting:
// admins, configured owners, and holders of the DJ role. Without a
// configured DJ role, any role literally named "dj" counts.
func isPrivilegedMember(event *events.ApplicationCommandInteractionCreate) bool {
	member := event.Member()
	if member == nil {
		return false
	}
	if member.Permissions.Has(discord.PermissionAdministrator) {
		return true
	}
	if GlobalConfig != nil {
		uid := event.User().ID.String()
		for _, o := range GlobalConfig.OwnerIDs {
			if o == uid {
				return true
			}
		}
	}

	guildID := *event.GuildID()
	var djRole snowflake.ID
	if DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if settings, err := GetGuildSettings(ctx, guildID); err == nil {
			djRole = settings.DJRoleID
		}
		cancel()
	}
	if djRole != 0 {
		for _, rid := range member.RoleIDs {
			if rid == djRole {
				return true
			}
		}
		return false
	}
	for _, rid := range member.RoleIDs {
		if role, ok := event.Client().Caches.Role(guildID, rid); ok && strings.EqualFold(role.Name, "dj") {
			return true
		}
	}
	return false
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := data.String("query")
	mode, _ := data.OptString("mode")
	LogVoice("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	_ = event.DeferCreateMessage(false)

	vc, err := clientForUser(event)
	if err != nil {
		finishResponse(event, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	songs, err := ResolveSongs(ctx, vc.ex, query, event.User().ID, vc.Volume(), false)
	if err != nil {
		finishResponse(event, userSongError(err))
		return
	}

	vc.Enqueue(songs, mode)
	if len(songs) == 1 {
		finishResponse(event, fmt.Sprintf("Enqueued **%s** `%s`", songs[0].DisplayTitle(), FormatTrackDuration(songs[0].Duration())))
	} else {
		finishResponse(event, fmt.Sprintf("Enqueued **%d** tracks", len(songs)))
	}
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)
	vc, err := clientForUser(event)
	if err != nil {
		finishResponse(event, err.Error())
		return
	}
	finishResponse(event, fmt.Sprintf("Joined <#%s>.", vc.currentChannelID()))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	GetMusicSystem().Evict(ctx, vc.GuildID)
	reply(event, "⏹️ Stopped playback and left the channel.")
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil || !vc.IsPlaying() {
		replyEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	skipped, votes, needed, err := vc.VoteSkip(event.User().ID, isPrivilegedMember(event))
	if err != nil {
		replyEphemeral(event, err.Error())
		return
	}
	if skipped {
		reply(event, "⏭️ Skipped.")
		return
	}
	reply(event, fmt.Sprintf("Skip vote added: **%d/%d**", votes, needed))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate, pause bool) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil || !vc.IsPlaying() {
		replyEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	vc.SetPaused(pause)
	if pause {
		reply(event, "⏸️ Paused.")
	} else {
		reply(event, "▶️ Resumed.")
	}
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil || !vc.IsPlaying() {
		replyEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	if vc.ToggleLoop() {
		reply(event, "🔁 Looping the current track.")
	} else {
		reply(event, "➡️ Loop disabled.")
	}
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	level := data.Int("level")
	if level < 0 || level > 100 {
		replyEphemeral(event, ErrVoiceBadVolume)
		return
	}
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	vc.SetVolume(float64(level) / 100)
	reply(event, fmt.Sprintf("🔊 Volume set to **%d%%**", level))
}

func handleMusicNow(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	song := vc.Current()
	if song == nil {
		replyEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	eb := discord.NewEmbedBuilder().
		SetTitle("Now playing").
		SetDescriptionf("```%s```", song.DisplayTitle()).
		SetColor(0x206694).
		AddField("Duration", DescribeDuration(song.Duration()), true).
		AddField("Requested by", fmt.Sprintf("<@%s>", song.Requester), true).
		AddField("URL", fmt.Sprintf("[Click](%s)", song.URL), true)
	if uploader := song.Uploader(); uploader != "" {
		if upURL := song.UploaderURL(); upURL != "" {
			eb.AddField("Uploader", fmt.Sprintf("[%s](%s)", uploader, upURL), true)
		} else {
			eb.AddField("Uploader", uploader, true)
		}
	}
	if thumb := song.Thumbnail(); thumb != "" {
		eb.SetThumbnail(thumb)
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetEmbeds(eb.Build()).Build())
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}

	var sb strings.Builder
	if current := vc.Current(); current != nil {
		status := "🎶"
		if vc.Paused() {
			status = "⏸️"
		}
		sb.WriteString(fmt.Sprintf("%s **Now playing:** [%s](%s) `%s`\n", status, current.DisplayTitle(), current.URL, FormatTrackDuration(current.Duration())))
		if vc.Looping() {
			sb.WriteString("🔁 **Loop:** Enabled\n")
		}
		sb.WriteString("\n")
	}

	items := vc.Queue().Snapshot()
	sb.WriteString("**Queue:**\n")
	if len(items) == 0 {
		sb.WriteString("_Empty_")
	} else {
		const perPage = 10
		pages := (len(items) + perPage - 1) / perPage
		page := 1
		if p, ok := data.OptInt("page"); ok {
			page = min(max(p, 1), pages)
		}
		total := 0
		for _, s := range items {
			total += s.Duration()
		}
		start := (page - 1) * perPage
		for i, s := range items[start:min(start+perPage, len(items))] {
			sb.WriteString(fmt.Sprintf("`%d.` [%s](%s) `%s`\n", start+i+1, s.DisplayTitle(), s.URL, FormatTrackDuration(s.Duration())))
		}
		if pages > 1 {
			sb.WriteString(fmt.Sprintf("*Page %d/%d*\n", page, pages))
		}
		sb.WriteString(fmt.Sprintf("\n**%d** tracks, `%s` total", len(items), FormatTrackDuration(total)))
	}
	if name := vc.InfinitePlaylist(); name != "" {
		sb.WriteString(fmt.Sprintf("\n\n♾️ **Infinite:** %s", name))
	}

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sb.String()).
		SetEphemeral(true).
		Build())
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	if vc.Queue().Len() == 0 {
		replyEphemeral(event, ErrVoiceEmptyQueue)
		return
	}
	vc.Queue().Shuffle()
	reply(event, "🔀 Queue shuffled.")
}

func handleMusicRemove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	position := data.Int("position")
	song, err := vc.Queue().Remove(position - 1)
	if err != nil {
		replyEphemeral(event, ErrVoiceBadIndex)
		return
	}
	reply(event, fmt.Sprintf("🗑️ Removed **%s**", song.DisplayTitle()))
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate) {
	vc := GetMusicSystem().Get(*event.GuildID())
	if vc == nil {
		replyEphemeral(event, ErrVoiceNotConnected)
		return
	}
	n := vc.Clear()
	reply(event, fmt.Sprintf("🧹 Cleared **%d** tracks from the queue.", n))
}

func handleMusicInfinite(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	name, _ := data.OptString("playlist")

	if name == "" {
		vc := GetMusicSystem().Get(*event.GuildID())
		if vc == nil || vc.InfinitePlaylist() == "" {
			replyEphemeral(event, ErrInfiniteNotEnabled)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = vc.SetInfinite(ctx, "")
		reply(event, "♾️ Infinite mode disabled.")
		return
	}

	_ = event.DeferCreateMessage(false)
	vc, err := clientForUser(event)
	if err != nil {
		finishResponse(event, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := vc.SetInfinite(ctx, name); err != nil {
		finishResponse(event, err.Error())
		return
	}
	finishResponse(event, fmt.Sprintf("♾️ Infinite mode enabled, drawing from **%s**.", name))
}

func handleMusicHistory(event *events.ApplicationCommandInteractionCreate) {
	if DB == nil {
		replyEphemeral(event, "History is not available.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	entries, err := GetRecentHistory(ctx, *event.GuildID(), 10)
	if err != nil || len(entries) == 0 {
		replyEphemeral(event, "No playback history yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("**Recently played:**\n")
	for i, e := range entries {
		sb.WriteString(fmt.Sprintf("`%d.` [%s](%s) by <@%s> <t:%d:R>\n", i+1, e.Title, e.URL, e.RequesterID, e.PlayedAt.Unix()))
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sb.String()).
		SetEphemeral(true).
		Build())
}

func handleMusicDJ(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	member := event.Member()
	if member == nil || !member.Permissions.Has(discord.PermissionAdministrator) {
		replyEphemeral(event, ErrVoiceDJOnly)
		return
	}
	if DB == nil {
		replyEphemeral(event, "Settings storage is not available.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	roleID, ok := data.OptSnowflake("role")
	if !ok {
		if err := SetGuildDJRole(ctx, *event.GuildID(), 0); err != nil {
			replyEphemeral(event, "Failed to update the DJ role.")
			return
		}
		reply(event, "DJ role cleared.")
		return
	}
	if err := SetGuildDJRole(ctx, *event.GuildID(), roleID); err != nil {
		replyEphemeral(event, "Failed to update the DJ role.")
		return
	}
	reply(event, fmt.Sprintf("DJ role set to <@&%s>.", roleID))
}

func handlePlaylistAdd(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if DB == nil {
		replyEphemeral(event, "Playlist storage is not available.")
		return
	}
	name := strings.TrimSpace(data.String("name"))
	url := strings.TrimSpace(data.String("url"))
	if name == "" || !isURL(url) {
		replyEphemeral(event, "Provide a name and a valid playlist URL.")
		return
	}

	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if existing, err := GetPlaylist(ctx, *event.GuildID(), name); err == nil && existing != nil {
		finishResponse(event, ErrPlaylistExists)
		return
	}

	infos, err := extractWithRetry(ctx, ytdlpExtractor{}, url, true)
	if err != nil {
		LogPlaylist(MsgPlaylistExpandFail, err)
		finishResponse(event, userSongError(err))
		return
	}
	entries := make([]PlaylistEntry, 0, len(infos))
	for _, info := range infos {
		if info.URL == "" {
			continue
		}
		entries = append(entries, PlaylistEntry{URL: info.URL, Title: info.Title, Duration: info.Duration})
	}
	if len(entries) == 0 {
		finishResponse(event, ErrPlaylistEmpty)
		return
	}

	id, err := CreatePlaylist(ctx, *event.GuildID(), name, url, event.User().ID)
	if err != nil {
		finishResponse(event, ErrPlaylistExists)
		return
	}
	if err := AddPlaylistEntries(ctx, id, entries); err != nil {
		LogPlaylist(MsgPlaylistExpandFail, err)
		_, _ = DeletePlaylist(ctx, *event.GuildID(), name)
		finishResponse(event, ErrPlaylistSaveFail)
		return
	}
	LogPlaylist(MsgPlaylistExpanded, name, len(entries))
	finishResponse(event, fmt.Sprintf("Saved **%s** with **%d** tracks.", name, len(entries)))
}

func handlePlaylistList(event *events.ApplicationCommandInteractionCreate) {
	if DB == nil {
		replyEphemeral(event, "Playlist storage is not available.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lists, err := ListPlaylists(ctx, *event.GuildID())
	if err != nil || len(lists) == 0 {
		replyEphemeral(event, "No saved playlists.")
		return
	}
	var sb strings.Builder
	sb.WriteString("**Saved playlists:**\n")
	for i, p := range lists {
		n, _ := CountPlaylistEntries(ctx, p.ID)
		sb.WriteString(fmt.Sprintf("`%d.` **%s** (%d tracks)\n", i+1, p.Name, n))
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sb.String()).
		SetEphemeral(true).
		Build())
}

func handlePlaylistRemove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if DB == nil {
		replyEphemeral(event, "Playlist storage is not available.")
		return
	}
	name := strings.TrimSpace(data.String("name"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := DeletePlaylist(ctx, *event.GuildID(), name)
	if err != nil || !found {
		replyEphemeral(event, ErrPlaylistNotFound)
		return
	}
	reply(event, fmt.Sprintf("Deleted playlist **%s**.", name))
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name == "mode" {
		_ = event.AutocompleteResult([]discord.AutocompleteChoice{
			discord.AutocompleteChoiceString{Name: "Play Now", Value: "now"},
			discord.AutocompleteChoiceString{Name: "Play Next", Value: "next"},
		})
		return
	}
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := SearchTracks(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// ===========================
// Discord Audio Output
// ===========================

// discordAudioOutput drives a disgo voice connection. Each Play spins up a
// fresh transcoder feeding an opus frame provider; stopping cancels the
// stream context, which unwinds both.
type discordAudioOutput struct {
	conn    voice.Conn
	guildID snowflake.ID

	mu           sync.Mutex
	streamCancel context.CancelFunc
	provider     *StreamProvider

	pausedMu   sync.Mutex
	pausedCond *sync.Cond
	paused     bool

	gainBits atomic.Uint64
}

func newDiscordAudioOutput(client *bot.Client, guildID snowflake.ID) *discordAudioOutput {
	o := &discordAudioOutput{guildID: guildID}
	o.pausedCond = sync.NewCond(&o.pausedMu)
	o.gainBits.Store(math.Float64bits(1))
	if client != nil {
		o.conn = client.VoiceManager.CreateConn(guildID)
	}
	return o
}

func (o *discordAudioOutput) Connect(ctx context.Context, channelID snowflake.ID) error {
	if o.conn == nil {
		return errors.New("no voice connection available")
	}
	return o.conn.Open(ctx, channelID, false, false)
}

func (o *discordAudioOutput) SetVolume(gain float64) {
	o.gainBits.Store(math.Float64bits(gain))
}

func (o *discordAudioOutput) gain() float64 {
	return math.Float64frombits(o.gainBits.Load())
}

func (o *discordAudioOutput) SetPaused(paused bool) {
	o.pausedMu.Lock()
	o.paused = paused
	o.pausedCond.Broadcast()
	o.pausedMu.Unlock()
}

func (o *discordAudioOutput) Paused() bool {
	o.pausedMu.Lock()
	defer o.pausedMu.Unlock()
	return o.paused
}

func (o *discordAudioOutput) Play(ctx context.Context, streamURL string) (<-chan error, error) {
	o.mu.Lock()
	if o.streamCancel != nil {
		o.streamCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	o.streamCancel = cancel
	p := NewStreamProvider(o, streamCtx)
	o.provider = p
	o.mu.Unlock()

	finished := make(chan struct{})
	p.OnFinish = func() { close(finished) }
	done := make(chan error, 1)

	go func() {
		defer cancel()
		t := NewAstiavTranscoder()
		t.Gain = o.gain
		defer t.Close()

		if err := t.OpenInput(streamURL); err != nil {
			o.detach(p)
			done <- err
			return
		}
		if err := t.SetupDecoder(); err != nil {
			o.detach(p)
			done <- err
			return
		}
		if err := t.SetupEncoder(); err != nil {
			o.detach(p)
			done <- err
			return
		}

		terr := t.Transcode(streamCtx, p.PushFrame)

		// let the provider drain its buffered frames before detaching
		select {
		case <-finished:
		case <-streamCtx.Done():
		}
		o.detach(p)
		if streamCtx.Err() != nil || errors.Is(terr, context.Canceled) {
			done <- nil
			return
		}
		done <- terr
	}()

	if o.conn != nil {
		o.setFrameProviderSafe(p)
		_ = o.conn.SetSpeaking(context.TODO(), voice.SpeakingFlagMicrophone)
	}
	return done, nil
}

// Stop cancels the active stream without leaving the channel.
func (o *discordAudioOutput) Stop() {
	o.mu.Lock()
	cancel := o.streamCancel
	o.streamCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *discordAudioOutput) Disconnect(ctx context.Context) {
	o.Stop()
	if o.conn != nil {
		o.conn.Close(ctx)
	}
}

func (o *discordAudioOutput) detach(p *StreamProvider) {
	o.mu.Lock()
	active := o.provider == p
	if active {
		o.provider = nil
	}
	o.mu.Unlock()
	if active && o.conn != nil {
		o.setFrameProviderSafe(nil)
		_ = o.conn.SetSpeaking(context.TODO(), 0)
	}
}

// setFrameProviderSafe swaps the opus frame provider, recovering from any
// panic inside the voice send loop teardown.
func (o *discordAudioOutput) setFrameProviderSafe(provider voice.OpusFrameProvider) {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("Recovered from panic in SetOpusFrameProvider: %v", r)
		}
	}()
	o.conn.SetOpusFrameProvider(provider)
}

// ===========================
// Stream Provider
// ===========================

// StreamProvider buffers encoded opus frames between the transcoder and the
// voice send loop. A nil frame marks end of stream.
type StreamProvider struct {
	frames   chan []byte
	OnFinish func()
	once     sync.Once
	out      *discordAudioOutput
	ctx      context.Context
}

func NewStreamProvider(o *discordAudioOutput, ctx context.Context) *StreamProvider {
	return &StreamProvider{frames: make(chan []byte, 100), out: o, ctx: ctx}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.ctx.Done():
			p.out.pausedCond.Broadcast()
		case <-done:
		}
	}()

	p.out.pausedMu.Lock()
	for p.out.paused {
		select {
		case <-p.ctx.Done():
			p.out.pausedMu.Unlock()
			return nil, io.EOF
		default:
		}
		p.out.pausedCond.Wait()
		select {
		case <-p.ctx.Done():
			p.out.pausedMu.Unlock()
			return nil, io.EOF
		default:
		}
	}
	p.out.pausedMu.Unlock()

	select {
	case f := <-p.frames:
		if f == nil {
			p.Close()
			return nil, io.EOF
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(100 * time.Millisecond):
		return nil, nil // Silence
	}
}

// ===========================
// Transcoder
// ===========================

// AstiavTranscoder decodes an input stream and re-encodes it as 48kHz stereo
// opus in 960-sample frames. Gain, when set, is sampled per frame so volume
// changes apply mid-stream.
type AstiavTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
	Gain                   func() float64
}

func NewAstiavTranscoder() *AstiavTranscoder {
	return &AstiavTranscoder{packet: astiav.AllocPacket(), frame: astiav.AllocFrame(), resampleFrame: astiav.AllocFrame()}
}

func (t *AstiavTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	var opts *astiav.Dictionary
	if strings.HasPrefix(in, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AstiavTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AstiavTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	// The resampler initializes itself on the first ConvertFrame call, once
	// the input frame properties are known.
	return nil
}

func (t *AstiavTranscoder) Transcode(ctx context.Context, on func([]byte)) error {
	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), 960*2)
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}
		if t.packet.StreamIndex() != t.audioStreamIndex {
			t.packet.Unref()
			continue
		}
		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			t.packet.Unref()
			return err
		}
		t.packet.Unref()
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			t.resampleFrame.Unref()
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
			if nb > 0 {
				t.resampleFrame.SetNbSamples(nb)
				_ = t.resampleFrame.AllocBuffer(0)
				_ = t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame)
				_, _ = t.fifo.Write(t.resampleFrame)
				for t.fifo.Size() >= 960 {
					t.resampleFrame.Unref()
					t.resampleFrame.SetNbSamples(960)
					t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
					t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
					t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
					_ = t.resampleFrame.AllocBuffer(0)
					_, _ = t.fifo.Read(t.resampleFrame)
					t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
					atomic.AddInt64(&t.pts, 960)
					_ = t.encodeAndWrite(t.resampleFrame)
				}
			}
			t.frame.Unref()
		}
	}

	// 1. Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			t.resampleFrame.Unref()
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
			if nb > 0 {
				t.resampleFrame.SetNbSamples(nb)
				_ = t.resampleFrame.AllocBuffer(0)
				if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
					_, _ = t.fifo.Write(t.resampleFrame)
				}
			}
			t.frame.Unref()
		}
	}

	// 2. Clear FIFO
	if t.fifo != nil {
		for t.fifo.Size() > 0 {
			t.resampleFrame.Unref()
			sz := 960
			if t.fifo.Size() < sz {
				sz = t.fifo.Size()
			}
			t.resampleFrame.SetNbSamples(sz)
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			_ = t.resampleFrame.AllocBuffer(0)
			_, _ = t.fifo.Read(t.resampleFrame)
			t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
			atomic.AddInt64(&t.pts, int64(sz))
			_ = t.encodeAndWrite(t.resampleFrame)
		}
	}

	// 3. Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			p := astiav.AllocPacket()
			if t.encoderCtx.ReceivePacket(p) != nil {
				p.Free()
				break
			}
			if t.onFrame != nil {
				d := p.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
			p.Free()
		}
	}
	return nil
}

func (t *AstiavTranscoder) encodeAndWrite(f *astiav.Frame) error {
	t.applyGain(f)
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		p := astiav.AllocPacket()
		if t.encoderCtx.ReceivePacket(p) != nil {
			p.Free()
			break
		}
		if t.onFrame != nil {
			d := p.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
		p.Free()
	}
	return nil
}

// applyGain scales the interleaved S16 samples of f in place.
func (t *AstiavTranscoder) applyGain(f *astiav.Frame) {
	if t.Gain == nil {
		return
	}
	g := t.Gain()
	if g == 1 {
		return
	}
	if g < 0 {
		g = 0
	}
	b, err := f.Data().Bytes(0)
	if err != nil || len(b) < 2 {
		return
	}
	for i := 0; i+1 < len(b); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(b[i:]))) * g
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(b[i:], uint16(int16(s)))
	}
	_ = f.Data().SetBytes(b, 0)
}

func (t *AstiavTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

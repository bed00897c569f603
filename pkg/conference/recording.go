package conference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// mimeTypeAAC names the AAC audio codec. Pion does not define a constant
// for it because AAC is not an RTP payload format, but the recording
// container side needs it.
const mimeTypeAAC = "audio/aac"

// CodecProfile is one container + video codec + audio codec combination the
// recording pipeline can ask the encoder for. Codec fields hold MIME types
// (webrtc.MimeTypeVP9, webrtc.MimeTypeOpus, ...).
type CodecProfile struct {
	Container string
	VideoMime string
	AudioMime string
	Extension string
}

// EncodingMimeType renders the profile as a capability-query string of the
// form "video/webm;codecs=vp9,opus".
func (p CodecProfile) EncodingMimeType() string {
	return fmt.Sprintf("video/%s;codecs=%s,%s", p.Container, p.VideoCodec(), p.AudioCodec())
}

// VideoCodec returns the lowercase codec name behind VideoMime ("vp9").
func (p CodecProfile) VideoCodec() string {
	return codecName(p.VideoMime)
}

// AudioCodec returns the lowercase codec name behind AudioMime ("opus").
func (p CodecProfile) AudioCodec() string {
	return codecName(p.AudioMime)
}

func codecName(mime string) string {
	if i := strings.LastIndexByte(mime, '/'); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.ToLower(mime)
}

// DefaultCodecProfiles is the fixed preference order for codec negotiation.
// The first combination the encoder reports as supported is used for the
// whole job.
func DefaultCodecProfiles() []CodecProfile {
	return []CodecProfile{
		{Container: "webm", VideoMime: webrtc.MimeTypeVP9, AudioMime: webrtc.MimeTypeOpus, Extension: "webm"},
		{Container: "webm", VideoMime: webrtc.MimeTypeVP8, AudioMime: webrtc.MimeTypeOpus, Extension: "webm"},
		{Container: "webm", VideoMime: webrtc.MimeTypeH264, AudioMime: webrtc.MimeTypeOpus, Extension: "webm"},
		{Container: "mp4", VideoMime: webrtc.MimeTypeH264, AudioMime: mimeTypeAAC, Extension: "mp4"},
	}
}

// CanonicalProfile is the conversion target for artifacts whose audio codec
// has poor playback compatibility outside browsers.
func CanonicalProfile() CodecProfile {
	return CodecProfile{Container: "mp4", VideoMime: webrtc.MimeTypeH264, AudioMime: mimeTypeAAC, Extension: "mp4"}
}

// poorCompatAudio lists audio codecs with historically inconsistent
// playback support in non-browser players. Artifacts carrying one are
// converted to the canonical profile before download.
var poorCompatAudio = map[string]bool{
	"opus":   true,
	"vorbis": true,
}

// CaptureSource acquires the local screen or tab capture used for
// recording. Acquisition may block on a user permission gesture.
type CaptureSource interface {
	Acquire(ctx context.Context, withAudio bool) (CaptureStream, error)
}

// CaptureStream is one acquired capture source. Stop must stop every
// underlying track; the pipeline calls it in addition to stopping the
// encoder's combined stream so no capture indicator dangles.
type CaptureStream interface {
	AudioTracks() int
	Stop()
}

// EncoderSession is one running chunked encode. Stop flushes any buffered
// data through the chunk callback before returning and stops the combined
// recording stream.
type EncoderSession interface {
	Stop() error
}

// MediaEncoder is the local capture-and-encode facility. SupportsProfile is
// the capability query used during codec negotiation.
type MediaEncoder interface {
	SupportsProfile(profile CodecProfile) bool

	// DefaultProfile is the runtime's fallback container, used when none
	// of the preferred combinations are supported.
	DefaultProfile() CodecProfile

	// Start begins a chunked encode of the stream. onChunk is invoked for
	// every flushed chunk, onError for a mid-capture encoder failure.
	Start(stream CaptureStream, profile CodecProfile, flushInterval time.Duration,
		onChunk func(chunk []byte), onError func(err error)) (EncoderSession, error)
}

// Transcoder converts a finished artifact to a different container/codec
// pair. Invoked only in the Converting state; failure is non-fatal.
type Transcoder interface {
	Convert(ctx context.Context, data []byte, source, target CodecProfile) ([]byte, error)
}

// RecordingState is the lifecycle state of the recording pipeline.
type RecordingState string

const (
	RecordingStateIdle       RecordingState = "idle"
	RecordingStateCapturing  RecordingState = "capturing"
	RecordingStateStopping   RecordingState = "stopping"
	RecordingStateFinalizing RecordingState = "finalizing"
	RecordingStateConverting RecordingState = "converting"
	RecordingStateReady      RecordingState = "ready"
	RecordingStateFailed     RecordingState = "failed"
)

// RecordingWarning flags a degraded but valid recording.
type RecordingWarning string

const (
	// WarningSilentAudio marks a job whose capture returned zero audio
	// tracks. The recording proceeds with silent audio.
	WarningSilentAudio RecordingWarning = "silent_audio"

	// WarningCompatibility marks an artifact distributed in its original
	// format after a failed conversion pass.
	WarningCompatibility RecordingWarning = "compatibility_fallback"
)

// RecordingJob is one capture-to-artifact lifecycle instance.
type RecordingJob struct {
	ID        string
	Profile   CodecProfile
	StartedAt time.Time
	Duration  time.Duration
	Warnings  []RecordingWarning

	chunks   [][]byte
	artifact []byte
	ext      string
}

// Artifact is the finished, downloadable recording.
type Artifact struct {
	Filename string
	Data     []byte
	Duration time.Duration
	Warnings []RecordingWarning
}

// RecordingOptions configures a RecordingPipeline.
type RecordingOptions struct {
	// SessionID appears in the download filename.
	SessionID string

	Capture    CaptureSource
	Encoder    MediaEncoder
	Transcoder Transcoder

	// Profiles overrides the codec preference order. Defaults to
	// DefaultCodecProfiles.
	Profiles []CodecProfile

	// FlushInterval is the chunk flush cadence. Default: 1s.
	FlushInterval time.Duration

	Logger Logger
}

// RecordingPipeline drives the capture-transcode-download workflow:
// Idle → Capturing → Stopping → Finalizing → (Converting) → Ready, with
// Failed reachable from any non-Idle state. It is independent of the
// per-participant machinery and only reads aggregate call media through its
// CaptureSource.
//
// At most one job captures at a time. Stop waits for a conversion in flight
// before returning, so the recording-in-progress indicator never releases
// early.
type RecordingPipeline struct {
	sessionID  string
	capture    CaptureSource
	encoder    MediaEncoder
	transcoder Transcoder
	profiles   []CodecProfile
	interval   time.Duration
	logger     Logger

	mu       sync.Mutex
	state    RecordingState
	starting bool
	job      *RecordingJob
	stream   CaptureStream
	session  EncoderSession
}

// NewRecordingPipeline creates an idle pipeline.
func NewRecordingPipeline(opts RecordingOptions) *RecordingPipeline {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	if len(opts.Profiles) == 0 {
		opts.Profiles = DefaultCodecProfiles()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return &RecordingPipeline{
		sessionID:  opts.SessionID,
		capture:    opts.Capture,
		encoder:    opts.Encoder,
		transcoder: opts.Transcoder,
		profiles:   opts.Profiles,
		interval:   opts.FlushInterval,
		logger:     opts.Logger,
		state:      RecordingStateIdle,
	}
}

// State returns the pipeline's current state.
func (p *RecordingPipeline) State() RecordingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Busy reports whether a job is between Start and Ready/Failed. The UI's
// recording-in-progress indicator follows it.
func (p *RecordingPipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busyLocked()
}

func (p *RecordingPipeline) busyLocked() bool {
	switch p.state {
	case RecordingStateCapturing, RecordingStateStopping, RecordingStateFinalizing, RecordingStateConverting:
		return true
	}
	return p.starting
}

// Job returns the current job, if any. Nil after a download clears it.
func (p *RecordingPipeline) Job() *RecordingJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job
}

// Start acquires a capture source, negotiates a codec profile, and begins
// chunked capture. Capture denial aborts with no partial job and the
// pipeline back in Idle. Zero audio tracks is not a failure: the job starts
// with the silent-audio warning. The pipeline does not report Capturing
// while the acquisition permission prompt is pending.
func (p *RecordingPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.busyLocked() {
		p.mu.Unlock()
		return ErrRecordingInProgress
	}
	p.starting = true
	p.mu.Unlock()

	stream, err := p.capture.Acquire(ctx, true)
	if err != nil {
		p.mu.Lock()
		p.starting = false
		p.state = RecordingStateIdle
		p.mu.Unlock()
		return fmt.Errorf("acquire capture source: %w", err)
	}

	profile := p.negotiateProfile()

	job := &RecordingJob{
		ID:        uuid.NewString(),
		Profile:   profile,
		StartedAt: now(),
	}
	if stream.AudioTracks() == 0 {
		job.Warnings = append(job.Warnings, WarningSilentAudio)
		p.logger.Warn("capture has no audio tracks, recording will be silent", "jobID", job.ID)
	}

	session, err := p.encoder.Start(stream, profile, p.interval, p.appendChunk, p.captureFailed)
	if err != nil {
		stream.Stop()
		p.mu.Lock()
		p.starting = false
		p.state = RecordingStateIdle
		p.mu.Unlock()
		return fmt.Errorf("start encoder: %w", err)
	}

	p.mu.Lock()
	p.starting = false
	p.state = RecordingStateCapturing
	p.job = job
	p.stream = stream
	p.session = session
	p.mu.Unlock()

	p.logger.Info("recording started",
		"jobID", job.ID, "mimeType", profile.EncodingMimeType(), "flushInterval", p.interval)
	return nil
}

// negotiateProfile walks the preference order and returns the first
// combination the encoder supports, falling back to the runtime default
// container when none of them are.
func (p *RecordingPipeline) negotiateProfile() CodecProfile {
	for _, profile := range p.profiles {
		if p.encoder.SupportsProfile(profile) {
			return profile
		}
	}
	fallback := p.encoder.DefaultProfile()
	p.logger.Warn("no preferred codec profile supported, using runtime default",
		"container", fallback.Container)
	return fallback
}

// appendChunk stores a flushed chunk. Zero-size chunks are dropped, not
// stored.
func (p *RecordingPipeline) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return
	}
	switch p.state {
	case RecordingStateCapturing, RecordingStateStopping:
		p.job.chunks = append(p.job.chunks, chunk)
	}
}

// captureFailed handles a mid-capture encoder error: the job transitions
// straight to Failed and is not auto-restarted.
func (p *RecordingPipeline) captureFailed(err error) {
	p.mu.Lock()
	if p.state != RecordingStateCapturing {
		p.mu.Unlock()
		return
	}
	p.state = RecordingStateFailed
	stream := p.stream
	p.stream = nil
	p.session = nil
	jobID := ""
	if p.job != nil {
		jobID = p.job.ID
	}
	p.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	p.logger.Error("recording failed mid-capture", "jobID", jobID, "error", err)
}

// Stop ends the capture: remaining chunks are flushed, both the encoder's
// combined stream and the original capture source are stopped, the artifact
// is assembled from the ordered non-empty chunks, and, when the chosen
// audio codec has poor compatibility, a conversion pass runs before the job
// reaches Ready. Conversion failure keeps the original artifact with a
// compatibility warning; a completed recording is never dropped.
func (p *RecordingPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != RecordingStateCapturing {
		p.mu.Unlock()
		return ErrNotCapturing
	}
	p.state = RecordingStateStopping
	session := p.session
	stream := p.stream
	job := p.job
	p.session = nil
	p.stream = nil
	p.mu.Unlock()

	if err := session.Stop(); err != nil {
		p.logger.Warn("encoder stop reported error", "jobID", job.ID, "error", err)
	}
	stream.Stop()

	p.mu.Lock()
	p.state = RecordingStateFinalizing
	var size int
	for _, c := range job.chunks {
		size += len(c)
	}
	artifact := make([]byte, 0, size)
	for _, c := range job.chunks {
		artifact = append(artifact, c...)
	}
	job.Duration = now().Sub(job.StartedAt)
	job.ext = job.Profile.Extension

	needsConversion := p.transcoder != nil && poorCompatAudio[job.Profile.AudioCodec()]
	if needsConversion {
		p.state = RecordingStateConverting
	}
	p.mu.Unlock()

	if needsConversion {
		target := CanonicalProfile()
		converted, err := p.transcoder.Convert(ctx, artifact, job.Profile, target)
		if err != nil {
			p.logger.Warn("conversion failed, delivering original artifact",
				"jobID", job.ID, "error", err)
			p.mu.Lock()
			job.Warnings = append(job.Warnings, WarningCompatibility)
			p.mu.Unlock()
		} else {
			artifact = converted
			p.mu.Lock()
			job.ext = target.Extension
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	job.artifact = artifact
	job.chunks = nil
	p.state = RecordingStateReady
	p.mu.Unlock()

	p.logger.Info("recording ready",
		"jobID", job.ID, "bytes", len(artifact), "duration", job.Duration, "ext", job.ext)
	return nil
}

// Download hands the finished artifact off exactly once. The job's buffered
// state is cleared afterwards; a new Start produces a new job.
func (p *RecordingPipeline) Download() (Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != RecordingStateReady || p.job == nil || p.job.artifact == nil {
		return Artifact{}, ErrNoArtifact
	}

	job := p.job
	artifact := Artifact{
		Filename: recordingFilename(p.sessionID, job.Duration, job.ext),
		Data:     job.artifact,
		Duration: job.Duration,
		Warnings: job.Warnings,
	}

	job.artifact = nil
	job.chunks = nil
	p.job = nil
	p.state = RecordingStateIdle

	return artifact, nil
}

// recordingFilename builds the download name:
// trial-recording-<sessionId>-<duration>-<timestamp>.<ext>
func recordingFilename(sessionID string, d time.Duration, ext string) string {
	return fmt.Sprintf("trial-recording-%s-%s-%s.%s",
		sessionID,
		d.Truncate(time.Second).String(),
		now().Format("20060102-150405"),
		ext)
}

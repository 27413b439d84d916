package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
)

// Decoder is the format-independent half of an image decoder. It owns the
// configuration the factory applies, collects the events the Codec posts,
// and holds the frames the codec writes through a surface pipe.
//
// A Decoder is driven by one goroutine at a time.
type Decoder struct {
	codec Codec
	typ   DecoderType
	id    uint64

	image    ImageSink
	iterator *SourceBufferIterator
	logger   Logger
	backend  ImageBackend
	limits   Limits

	resources ResourceFactory

	decodeBytesAtATime int
	metadataDecode     bool
	decoderFlags       DecoderFlags
	surfaceFlags       SurfaceFlags
	sampleSize         int
	targetSize         *Size

	initialized bool
	sawEOF      bool
	lexDone     bool
	finished    bool
	aborted     bool
	decodeDone  bool

	err          error
	dataError    bool
	reportErrors bool

	metadata   Metadata
	progress   Progress
	// reported holds progress already handed out by TakeProgress.
	reported   Progress
	invalid    image.Rectangle
	completed  []*Frame
	current    *Frame
	first      *Frame
	inFrame    bool
	frameCount int
	complete   int

	telemetry Telemetry
	started   time.Time
}

// NewDecoder wraps codec. id is allocated by the Registry.
func NewDecoder(t DecoderType, codec Codec, id uint64) *Decoder {
	return &Decoder{
		codec:  codec,
		typ:    t,
		id:     id,
		logger: NopLogger,
		limits: DefaultLimits,
	}
}

// ── Configuration (before Init only) ─────────────────────────────────────────

func (d *Decoder) mustConfigure(what string) {
	if d.initialized {
		panic("core: " + what + " called after Init")
	}
}

// SetImage attaches the owning image. Anonymous decoders have none.
func (d *Decoder) SetImage(img ImageSink) { d.mustConfigure("SetImage"); d.image = img }

// SetIterator attaches the source the decoder reads from in Decode.
func (d *Decoder) SetIterator(it *SourceBufferIterator) {
	d.mustConfigure("SetIterator")
	d.iterator = it
}

// SetMetadataDecode makes the decoder stop once size and animation presence
// are known, without allocating pixel storage.
func (d *Decoder) SetMetadataDecode(v bool) { d.mustConfigure("SetMetadataDecode"); d.metadataDecode = v }

func (d *Decoder) SetDecoderFlags(f DecoderFlags) { d.mustConfigure("SetDecoderFlags"); d.decoderFlags = f }

func (d *Decoder) SetSurfaceFlags(f SurfaceFlags) { d.mustConfigure("SetSurfaceFlags"); d.surfaceFlags = f }

// SetSampleSize requests format-specific subsampling; 0 is full resolution.
func (d *Decoder) SetSampleSize(n int) {
	d.mustConfigure("SetSampleSize")
	if n < 0 {
		n = 0
	}
	d.sampleSize = n
}

// SetTargetSize requests downscale-during-decode. It fails for codecs that
// cannot downscale and for empty sizes.
func (d *Decoder) SetTargetSize(s Size) error {
	d.mustConfigure("SetTargetSize")
	if s.IsEmpty() {
		return apperrors.New(apperrors.CategoryInput, "decoder.set_target_size", fmt.Errorf("%w: %v", apperrors.ErrTargetSize, s))
	}
	dc, ok := d.codec.(DownscaleCodec)
	if !ok || !dc.SupportsDownscale() {
		return apperrors.New(apperrors.CategoryInput, "decoder.set_target_size",
			fmt.Errorf("%w: %s decoder cannot downscale", apperrors.ErrTargetSize, d.typ))
	}
	d.targetSize = &s
	return nil
}

func (d *Decoder) SetLogger(l Logger) {
	if l == nil {
		l = NopLogger
	}
	d.logger = l
}

// SetBackend installs a whole-image decoder for codecs that decode at Finish.
func (d *Decoder) SetBackend(b ImageBackend) { d.mustConfigure("SetBackend"); d.backend = b }

func (d *Decoder) SetLimits(l Limits) { d.mustConfigure("SetLimits"); d.limits = l }

// SetResourceFactory installs the factory container codecs use to decode
// embedded resources.
func (d *Decoder) SetResourceFactory(f ResourceFactory) {
	d.mustConfigure("SetResourceFactory")
	d.resources = f
}

// SetDecodeBytesAtATime makes Decode yield after n bytes; 0 never yields.
func (d *Decoder) SetDecodeBytesAtATime(n int) {
	d.mustConfigure("SetDecodeBytesAtATime")
	d.decodeBytesAtATime = max(n, 0)
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (d *Decoder) Type() DecoderType                { return d.typ }
func (d *Decoder) ID() uint64                       { return d.id }
func (d *Decoder) Codec() Codec                     { return d.codec }
func (d *Decoder) Image() ImageSink                 { return d.image }
func (d *Decoder) Iterator() *SourceBufferIterator  { return d.iterator }
func (d *Decoder) Logger() Logger                   { return d.logger }
func (d *Decoder) Backend() ImageBackend            { return d.backend }
func (d *Decoder) Limits() Limits                   { return d.limits }
func (d *Decoder) ResourceFactory() ResourceFactory { return d.resources }
func (d *Decoder) IsMetadataDecode() bool           { return d.metadataDecode }
func (d *Decoder) DecoderFlags() DecoderFlags       { return d.decoderFlags }
func (d *Decoder) SurfaceFlags() SurfaceFlags       { return d.surfaceFlags }
func (d *Decoder) SampleSize() int                  { return d.sampleSize }
func (d *Decoder) Metadata() Metadata               { return d.metadata }
func (d *Decoder) HasSize() bool                    { return d.metadata.HasSize }
func (d *Decoder) Size() Size                       { return d.metadata.Size }
func (d *Decoder) Telemetry() Telemetry             { return d.telemetry }
func (d *Decoder) FrameCount() int                  { return d.frameCount }
func (d *Decoder) CompleteFrameCount() int          { return d.complete }
func (d *Decoder) Err() error                       { return d.err }
func (d *Decoder) HasError() bool                   { return d.err != nil }
func (d *Decoder) HasDataError() bool               { return d.err != nil && d.dataError }
func (d *Decoder) HasDecoderError() bool            { return d.err != nil && !d.dataError }
func (d *Decoder) DecodeDone() bool                 { return d.decodeDone }
func (d *Decoder) WasAborted() bool                 { return d.aborted }
func (d *Decoder) SawEndOfStream() bool             { return d.sawEOF }

// TargetSize returns the requested downscale size, if any.
func (d *Decoder) TargetSize() (Size, bool) {
	if d.targetSize == nil {
		return Size{}, false
	}
	return *d.targetSize, true
}

// IsFirstFrameDecode reports whether only the first frame is wanted.
func (d *Decoder) IsFirstFrameDecode() bool { return d.decoderFlags.Has(FlagFirstFrameOnly) }

// OutputSize is the size frames are produced at: the target size when one
// was requested and is smaller than the intrinsic size, else the intrinsic
// size.
func (d *Decoder) OutputSize() Size {
	if d.targetSize == nil {
		return d.metadata.Size
	}
	if d.metadata.HasSize && (d.targetSize.Width > d.metadata.Size.Width || d.targetSize.Height > d.metadata.Size.Height) {
		return d.metadata.Size
	}
	return *d.targetSize
}

// IsTerminal reports whether the decoder will accept no more data.
func (d *Decoder) IsTerminal() bool {
	return d.lexDone || d.finished || d.aborted || d.err != nil
}

// FinalStatus summarises how the decode ended.
func (d *Decoder) FinalStatus() FinalStatus {
	return FinalStatus{
		WasAborted:        d.aborted,
		HadError:          d.err != nil,
		ShouldReportError: d.reportErrors,
	}
}

// Result packages the decoder's outcome for ImageSink.NotifyDecodeComplete.
func (d *Decoder) Result() DecodeResult {
	return DecodeResult{
		Type:      d.typ,
		Status:    d.FinalStatus(),
		Metadata:  d.metadata,
		Progress:  d.AllProgress(),
		Telemetry: d.telemetry,
		Err:       d.err,
	}
}

// ── Driving ──────────────────────────────────────────────────────────────────

// Init runs the codec's one-time setup. On failure a decoder error is posted
// and every later Write is refused.
func (d *Decoder) Init() error {
	if d.initialized {
		panic("core: Init called twice")
	}
	d.initialized = true
	d.started = time.Now()
	if err := d.codec.Init(d); err != nil {
		d.PostDecoderError(fmt.Errorf("%w: %w", apperrors.ErrInitFailed, err))
		return d.err
	}
	return nil
}

// Write feeds the next chunk of input. A zero-length write records that the
// stream has ended but does no work; Finish is what completes the decode.
// Data arriving after the codec has finished is discarded.
func (d *Decoder) Write(p []byte) (int, error) {
	if !d.initialized {
		panic("core: Write called before Init")
	}
	if d.err != nil {
		return 0, d.err
	}
	if len(p) == 0 {
		d.sawEOF = true
		return 0, nil
	}
	if d.IsTerminal() {
		return len(p), nil
	}

	d.telemetry.ChunkCount++
	d.telemetry.BytesDecoded += int64(len(p))

	state, done := d.codec.Lex(p)
	if done {
		d.lexDone = true
		if state == lexer.Failure && d.err == nil {
			d.PostDataError(apperrors.ErrCorrupt)
		}
	}
	if d.err != nil {
		return len(p), d.err
	}
	return len(p), nil
}

// Finish signals that no more input will arrive. The codec gets one chance
// to decode deferred data, then any partially decoded frame is completed.
// Calling Finish more than once is harmless.
func (d *Decoder) Finish() error {
	if !d.initialized {
		panic("core: Finish called before Init")
	}
	if d.finished {
		return d.err
	}
	d.finished = true
	if d.err == nil && !d.aborted {
		if err := d.codec.Finish(); err != nil {
			d.PostError(err)
		}
	}
	d.completeDecode()
	return d.err
}

// Abort abandons the decode. No further codec work happens.
func (d *Decoder) Abort() {
	if d.finished {
		return
	}
	d.aborted = true
	d.finished = true
	d.inFrame = false
	d.telemetry.DecodeTime = time.Since(d.started)
}

// Decode pulls data from the iterator and writes it until the source runs
// dry, the byte quota is used up, or decoding ends. resume is registered
// with the source when Decode returns ResultNeedMoreData. Cancelling ctx
// abandons the decode.
func (d *Decoder) Decode(ctx context.Context, resume func()) LexerResult {
	if d.iterator == nil {
		panic("core: Decode called without an iterator")
	}
	var n int
	for {
		if d.IsTerminal() {
			_ = d.Finish()
			return ResultTerminal
		}
		if err := ctx.Err(); err != nil {
			d.logger.Debug("decoder.abandoned", "type", d.typ.String(), "id", d.id, "error", err.Error())
			d.Abort()
			return ResultTerminal
		}

		quota := 0
		if d.decodeBytesAtATime > 0 {
			quota = d.decodeBytesAtATime - n
		}
		switch d.iterator.AdvanceOrScheduleResume(quota, resume) {
		case IterWaiting:
			return ResultNeedMoreData
		case IterComplete:
			if err := d.iterator.CompletionStatus(); err != nil {
				d.logger.Warn("decoder.source_incomplete", "type", d.typ.String(), "id", d.id, "error", err.Error())
			}
			_, _ = d.Write(nil)
			_ = d.Finish()
			return ResultTerminal
		case IterReady:
			data := d.iterator.Data()
			_, _ = d.Write(data)
			n += len(data)
			if d.decoderFlags.Has(FlagAsyncNotify) {
				d.NotifyImage()
			}
			if d.decodeBytesAtATime > 0 && n >= d.decodeBytesAtATime && !d.IsTerminal() {
				return ResultYield
			}
		}
	}
}

func (d *Decoder) completeDecode() {
	defer func() { d.telemetry.DecodeTime = time.Since(d.started) }()
	if d.aborted {
		return
	}

	if d.metadataDecode {
		if d.err == nil && !d.metadata.HasSize {
			d.PostDataError(apperrors.ErrTruncated)
		}
		if d.err == nil {
			d.decodeDone = true
		}
		return
	}

	if d.inFrame && d.err == nil {
		d.PostFrameStop()
	}
	if !d.decodeDone {
		d.reportErrors = true
		// A decode that produced at least one whole frame is still usable.
		if d.complete > 0 {
			d.PostHasTransparency()
			d.PostDecodeDone(d.metadata.LoopCount)
		} else {
			d.progress |= ProgressDecodeComplete | ProgressHasError
		}
	}
}

// ── Events posted by codecs ──────────────────────────────────────────────────

func (d *Decoder) op() string { return "decode." + d.typ.String() }

// PostSize records the intrinsic size after validating it against Limits.
// It returns the posted data error when the size is rejected.
func (d *Decoder) PostSize(width, height int) error {
	switch {
	case width <= 0 || height <= 0:
		d.PostDataError(fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, width, height))
		return d.err
	case width > d.limits.MaxWidth || height > d.limits.MaxHeight ||
		int64(width)*int64(height) > d.limits.MaxPixels:
		d.PostDataError(fmt.Errorf("%w: %dx%d", apperrors.ErrImageTooLarge, width, height))
		return d.err
	}
	if d.metadata.HasSize {
		if d.metadata.Size.Width != width || d.metadata.Size.Height != height {
			d.PostDataError(fmt.Errorf("%w: %v then %dx%d", apperrors.ErrSizeChanged, d.metadata.Size, width, height))
			return d.err
		}
		return nil
	}
	d.metadata.Size = Size{Width: width, Height: height}
	d.metadata.HasSize = true
	d.progress |= ProgressSizeAvailable
	return nil
}

func (d *Decoder) PostHasTransparency() {
	if d.metadata.HasTransparency {
		return
	}
	d.metadata.HasTransparency = true
	d.progress |= ProgressHasTransparency
}

// PostIsAnimated records that the image has more than one frame.
func (d *Decoder) PostIsAnimated(firstFrameTimeout time.Duration) {
	if d.metadata.IsAnimated {
		return
	}
	d.metadata.IsAnimated = true
	d.metadata.FirstFrameTimeout = firstFrameTimeout
	d.progress |= ProgressIsAnimated
}

// PostFrameStop marks the frame in progress complete.
func (d *Decoder) PostFrameStop() {
	if !d.inFrame {
		return
	}
	d.inFrame = false
	d.current.Complete = true
	d.complete++
	d.completed = append(d.completed, d.current)
	d.metadata.FrameCount = d.complete
	d.invalid = d.invalid.Union(d.current.Rect)
	d.progress |= ProgressFrameComplete
}

// PostDecodeDone records that every wanted frame has been decoded. loopCount
// is -1 for images that loop forever.
func (d *Decoder) PostDecodeDone(loopCount int) {
	if d.decodeDone {
		return
	}
	d.decodeDone = true
	d.metadata.LoopCount = loopCount
	d.progress |= ProgressDecodeComplete
}

// PostDecoderError records an internal failure. Only the first error posted
// is kept.
func (d *Decoder) PostDecoderError(err error) { d.postError(apperrors.CategoryDecoder, err) }

// PostDataError records that the input is malformed.
func (d *Decoder) PostDataError(err error) { d.postError(apperrors.CategoryData, err) }

// PostError classifies err by its category: data errors stay data errors,
// everything else is a decoder error.
func (d *Decoder) PostError(err error) {
	if apperrors.IsCategory(err, apperrors.CategoryData) {
		d.PostDataError(err)
		return
	}
	d.PostDecoderError(err)
}

func (d *Decoder) postError(cat apperrors.Category, err error) {
	if d.err != nil || err == nil {
		return
	}
	var pe *apperrors.ProcessingError
	if !errors.As(err, &pe) || pe.Category != cat {
		err = apperrors.New(cat, d.op(), err)
	}
	d.err = err
	d.dataError = cat == apperrors.CategoryData
	d.progress |= ProgressHasError
	if d.inFrame {
		d.inFrame = false
		d.current = nil
	}
	d.logger.Debug("decoder.error", "type", d.typ.String(), "id", d.id, "category", string(cat), "error", err.Error())
}

// ── Frames ───────────────────────────────────────────────────────────────────

// AllocateFrame starts frame frameNum. Metadata decodes may never allocate;
// first-frame-only decodes get apperrors.ErrFrameLimit for later frames,
// which is not posted as an error.
func (d *Decoder) AllocateFrame(frameNum int, outputSize Size, frameRect image.Rectangle, format SurfaceFormat) (*Frame, error) {
	if d.metadataDecode {
		d.PostDecoderError(apperrors.ErrMetadataDecode)
		return nil, d.err
	}
	if d.err != nil {
		return nil, d.err
	}
	if frameNum > 0 && d.IsFirstFrameDecode() {
		return nil, apperrors.ErrFrameLimit
	}
	if frameNum != d.frameCount {
		d.PostDecoderError(fmt.Errorf("frame %d allocated after %d frames", frameNum, d.frameCount))
		return nil, d.err
	}
	if outputSize.IsEmpty() {
		d.PostDataError(fmt.Errorf("%w: frame %v", apperrors.ErrInvalidDimensions, outputSize))
		return nil, d.err
	}
	if d.inFrame {
		d.PostFrameStop()
	}

	rect := frameRect.Intersect(outputSize.Rect())
	premultiplied := !d.surfaceFlags.Has(SurfaceNoPremultiplyAlpha)
	d.current = NewFrame(frameNum, outputSize, rect, format, premultiplied)
	if frameNum == 0 {
		d.first = d.current
	}
	d.inFrame = true
	d.frameCount++
	return d.current, nil
}

// CurrentFrame returns the most recently allocated frame.
func (d *Decoder) CurrentFrame() *Frame { return d.current }

// FirstFrame returns frame 0 once it has been allocated.
func (d *Decoder) FirstFrame() *Frame { return d.first }

// InFrame reports whether a frame is being written.
func (d *Decoder) InFrame() bool { return d.inFrame }

// Invalidate records that r changed in the current frame.
func (d *Decoder) Invalidate(r image.Rectangle) { d.invalid = d.invalid.Union(r) }

// RecordRows adds n to the rows-written telemetry.
func (d *Decoder) RecordRows(n int) { d.telemetry.RowsWritten += n }

// TakeProgress returns and clears the progress accumulated since the last
// call.
func (d *Decoder) TakeProgress() Progress {
	p := d.progress
	d.reported |= p
	d.progress = 0
	return p
}

// AllProgress returns every progress flag posted over the decode, taken or
// not.
func (d *Decoder) AllProgress() Progress { return d.reported | d.progress }

// TakeInvalidRect returns and clears the changed area.
func (d *Decoder) TakeInvalidRect() image.Rectangle {
	r := d.invalid
	d.invalid = image.Rectangle{}
	return r
}

// TakeCompleteFrames returns and clears the frames finished since the last
// call.
func (d *Decoder) TakeCompleteFrames() []*Frame {
	f := d.completed
	d.completed = nil
	return f
}

// TakeUpdate collects everything an ImageSink needs to hear about.
func (d *Decoder) TakeUpdate() ProgressUpdate {
	return ProgressUpdate{
		Progress:     d.TakeProgress(),
		InvalidRect:  d.TakeInvalidRect(),
		Frames:       d.TakeCompleteFrames(),
		Metadata:     d.metadata,
		DecoderFlags: d.decoderFlags,
		SurfaceFlags: d.surfaceFlags,
	}
}

// NotifyImage delivers pending progress to the owning image, if any.
func (d *Decoder) NotifyImage() {
	if d.image == nil {
		return
	}
	u := d.TakeUpdate()
	if u.Progress == 0 && u.InvalidRect.Empty() && len(u.Frames) == 0 {
		return
	}
	d.image.NotifyProgress(u)
}

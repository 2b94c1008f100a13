package videoengine

import (
	"errors"
	"fmt"

	"github.com/opd-ai/videoengine/capture"
	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/config"
	"github.com/opd-ai/videoengine/fec"
	"github.com/opd-ai/videoengine/jitter"
	"github.com/opd-ai/videoengine/render"
	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
	"github.com/opd-ai/videoengine/srtp"
	"github.com/opd-ai/videoengine/transport"
	"github.com/opd-ai/videoengine/video"
)

// ErrorKind classifies every error a facet method returns.
type ErrorKind int

const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = iota
	// InvalidArgument covers out-of-range values, illegal key lengths,
	// nil buffers and unknown codec types.
	InvalidArgument
	// WrongState covers calls the current state does not allow.
	WrongState
	// AlreadyExists covers registering into an occupied slot.
	AlreadyExists
	// NotFound covers unknown ids and empty slots.
	NotFound
	// ResourceExhausted covers full tables and bind failures.
	ResourceExhausted
	// PacketMalformed covers packets that fail to parse.
	PacketMalformed
	// PacketDropped covers well-formed packets the engine discarded.
	PacketDropped
	// TransportFailed covers a transport that refused a packet.
	TransportFailed
	// PeerGone covers a remote end that stopped sending.
	PeerGone
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case InvalidArgument:
		return "invalid argument"
	case WrongState:
		return "wrong state"
	case AlreadyExists:
		return "already exists"
	case NotFound:
		return "not found"
	case ResourceExhausted:
		return "resource exhausted"
	case PacketMalformed:
		return "packet malformed"
	case PacketDropped:
		return "packet dropped"
	case TransportFailed:
		return "transport failed"
	case PeerGone:
		return "peer gone"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ErrorCode is the value Base().LastError reports: 0 after a successful
// call, otherwise 12000 plus the kind of the failure.
type ErrorCode int

// CodeOK is the code of a successful call.
const CodeOK ErrorCode = 0

const codeBase = 12000

// Code returns the LastError code of k.
func (k ErrorKind) Code() ErrorCode {
	if k == KindNone {
		return CodeOK
	}
	return ErrorCode(codeBase + int(k))
}

// Kind returns the kind encoded in c.
func (c ErrorCode) Kind() ErrorKind {
	if c == CodeOK {
		return KindNone
	}
	return ErrorKind(int(c) - codeBase)
}

// Error is the error type every facet method returns.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error returns "op: cause".
func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Engine and channel lifecycle errors.
var (
	// ErrNotInitialized indicates a call before Base().Init.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrClosed indicates a call after Close.
	ErrClosed = errors.New("engine closed")
	// ErrChannelsExist indicates Close while channels remain.
	ErrChannelsExist = errors.New("channels still exist")
	// ErrChannelNotFound indicates an unknown channel id.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrTooManyChannels indicates a full channel table.
	ErrTooManyChannels = errors.New("too many channels")
	// ErrHasChildren indicates deleting a parent with live children.
	ErrHasChildren = errors.New("channel has child channels")
	// ErrObserversAttached indicates deleting a channel with observers.
	ErrObserversAttached = errors.New("channel has registered observers")
	// ErrSending indicates a call that is not allowed while sending.
	ErrSending = errors.New("channel is sending")
	// ErrReceiving indicates a call that is not allowed while receiving.
	ErrReceiving = errors.New("channel is receiving")
	// ErrNotSending indicates a call that requires a sending channel.
	ErrNotSending = errors.New("channel is not sending")
	// ErrNotReceiving indicates a packet injected into a channel that is not receiving.
	ErrNotReceiving = errors.New("channel is not receiving")
	// ErrNoSendCodec indicates StartSend without a send codec.
	ErrNoSendCodec = errors.New("no send codec")
	// ErrNoSendDestination indicates StartSend without a destination or transport.
	ErrNoSendDestination = errors.New("no send destination or transport")
	// ErrNoLocalReceiver indicates StartReceive without sockets or transport.
	ErrNoLocalReceiver = errors.New("no local receiver or transport")
	// ErrKeepAliveConflict indicates a keep-alive payload type that collides at StartSend.
	ErrKeepAliveConflict = errors.New("keep-alive payload type collides with a codec")
	// ErrReentrantCall indicates a blocking call made from an observer
	// callback on the same channel.
	ErrReentrantCall = errors.New("call from observer callback on the same channel")
)

// Observer and slot errors.
var (
	// ErrObserverExists indicates a second observer for the same slot.
	ErrObserverExists = errors.New("observer already registered")
	// ErrNoObserver indicates deregistering an empty observer slot.
	ErrNoObserver = errors.New("no observer registered")
	// ErrFilterExists indicates a second effect filter for the same slot.
	ErrFilterExists = errors.New("effect filter already registered")
	// ErrNoFilter indicates deregistering an empty effect filter slot.
	ErrNoFilter = errors.New("no effect filter registered")
	// ErrFeatureState indicates enabling an enabled feature or disabling a disabled one.
	ErrFeatureState = errors.New("feature already in the requested state")
)

// Capture and audio link errors.
var (
	// ErrCaptureNotFound indicates an unknown capture id.
	ErrCaptureNotFound = errors.New("capture device not found")
	// ErrTooManyCaptureDevices indicates a full capture table.
	ErrTooManyCaptureDevices = errors.New("too many capture devices")
	// ErrCaptureAllocated indicates allocating a device twice.
	ErrCaptureAllocated = errors.New("capture device already allocated")
	// ErrCaptureConnected indicates releasing a capture that feeds channels.
	ErrCaptureConnected = errors.New("capture device connected to channels")
	// ErrChannelHasCapture indicates connecting a second capture to a channel.
	ErrChannelHasCapture = errors.New("channel already has a capture device")
	// ErrNoCapture indicates disconnecting a channel without a capture.
	ErrNoCapture = errors.New("channel has no capture device")
	// ErrNoEnumerator indicates device allocation without an enumerator.
	ErrNoEnumerator = errors.New("no capture device enumerator")
	// ErrNoAudioEngine indicates audio calls without SetVoiceEngine.
	ErrNoAudioEngine = errors.New("no audio engine attached")
	// ErrAudioChannelNotFound indicates an audio channel the audio engine does not know.
	ErrAudioChannelNotFound = errors.New("audio channel not found")
	// ErrAudioConnected indicates connecting a second audio channel.
	ErrAudioConnected = errors.New("audio channel already connected")
	// ErrNoAudioChannel indicates disconnecting a channel without an audio link.
	ErrNoAudioChannel = errors.New("no audio channel connected")
)

// Codec errors.
var (
	// ErrNotMediaCodec indicates RED or ULPFEC passed as a send codec.
	ErrNotMediaCodec = errors.New("codec does not carry video")
	// ErrExternalCodecExists indicates a second external codec on a payload type.
	ErrExternalCodecExists = errors.New("external codec already registered")
	// ErrExternalCodecNotFound indicates deregistering at a payload type without one.
	ErrExternalCodecNotFound = errors.New("no external codec on payload type")
	// ErrReceiveCodecNotFound indicates a payload type missing from the receive table.
	ErrReceiveCodecNotFound = errors.New("receive codec not found")
)

// RTP/RTCP errors.
var (
	// ErrRTCPDisabled indicates a feature that needs RTCP while RTCP is off.
	ErrRTCPDisabled = errors.New("RTCP is disabled")
	// ErrInvalidMode indicates an unknown RTCP mode or key-frame method.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidPayloadTypes indicates equal or out-of-range RED and FEC payload types.
	ErrInvalidPayloadTypes = errors.New("invalid RED/FEC payload types")
	// ErrDumpActive indicates starting a dump that is already running.
	ErrDumpActive = errors.New("RTP dump already active")
	// ErrDumpInactive indicates stopping a dump that is not running.
	ErrDumpInactive = errors.New("RTP dump not active")
	// ErrInvalidDirection indicates an unknown dump direction.
	ErrInvalidDirection = errors.New("invalid dump direction")
)

// Network and packet errors.
var (
	// ErrTransportRegistered indicates a transport where one is present.
	ErrTransportRegistered = errors.New("send transport already registered")
	// ErrNoTransport indicates deregistering without a transport.
	ErrNoTransport = errors.New("no send transport registered")
	// ErrExternalTransport indicates internal socket settings on a channel using an external transport.
	ErrExternalTransport = errors.New("channel uses an external transport")
	// ErrDestinationSet indicates registering a transport on a channel with a send destination.
	ErrDestinationSet = errors.New("channel has a send destination")
	// ErrNoSocket indicates a query that needs internal sockets.
	ErrNoSocket = errors.New("channel has no local sockets")
	// ErrInvalidMTU indicates an MTU outside 400..1500.
	ErrInvalidMTU = errors.New("MTU must be 400..1500")
	// ErrInvalidTimeout indicates an out-of-range timeout or sample period.
	ErrInvalidTimeout = errors.New("invalid timeout")
	// ErrPacketLength indicates an injected packet shorter than 12 bytes or longer than 3 MTU.
	ErrPacketLength = errors.New("invalid packet length")
	// ErrUnknownPayloadType indicates media on a payload type missing from the receive table.
	ErrUnknownPayloadType = errors.New("unknown payload type")
	// ErrDecryptFailed indicates an inbound packet that could not be decrypted.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrTransportFailed indicates a transport returning a negative length.
	ErrTransportFailed = errors.New("transport failed")
	// ErrPeerGone indicates a remote end that sent nothing for a whole sample period.
	ErrPeerGone = errors.New("peer stopped sending")
)

// Encryption errors.
var (
	// ErrSRTPEnabled indicates enabling SRTP twice in one direction.
	ErrSRTPEnabled = errors.New("SRTP already enabled")
	// ErrEncryptionConflict indicates mixing SRTP and external encryption in one direction.
	ErrEncryptionConflict = errors.New("SRTP and external encryption are exclusive")
	// ErrEncryptionRegistered indicates a second external encryption.
	ErrEncryptionRegistered = errors.New("external encryption already registered")
	// ErrNoEncryption indicates deregistering without external encryption.
	ErrNoEncryption = errors.New("no external encryption registered")
)

// ErrInvalidArgument is wrapped by validation failures without a more
// specific sentinel.
var ErrInvalidArgument = errors.New("invalid argument")

// kinds maps every sentinel, the package ones included, to its kind.
// errors.Is walks wrapping, so the first match wins.
var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNotInitialized, WrongState},
	{ErrClosed, WrongState},
	{ErrChannelsExist, WrongState},
	{ErrChannelNotFound, NotFound},
	{ErrTooManyChannels, ResourceExhausted},
	{ErrHasChildren, WrongState},
	{ErrObserversAttached, WrongState},
	{ErrSending, WrongState},
	{ErrReceiving, WrongState},
	{ErrNotSending, WrongState},
	{ErrNotReceiving, WrongState},
	{ErrNoSendCodec, WrongState},
	{ErrNoSendDestination, WrongState},
	{ErrNoLocalReceiver, WrongState},
	{ErrKeepAliveConflict, WrongState},
	{ErrReentrantCall, WrongState},

	{ErrObserverExists, AlreadyExists},
	{ErrNoObserver, NotFound},
	{ErrFilterExists, AlreadyExists},
	{ErrNoFilter, NotFound},
	{ErrFeatureState, WrongState},

	{ErrCaptureNotFound, NotFound},
	{ErrTooManyCaptureDevices, ResourceExhausted},
	{ErrCaptureAllocated, AlreadyExists},
	{ErrCaptureConnected, WrongState},
	{ErrChannelHasCapture, AlreadyExists},
	{ErrNoCapture, NotFound},
	{ErrNoEnumerator, NotFound},
	{ErrNoAudioEngine, WrongState},
	{ErrAudioChannelNotFound, NotFound},
	{ErrAudioConnected, AlreadyExists},
	{ErrNoAudioChannel, NotFound},

	{ErrNotMediaCodec, InvalidArgument},
	{ErrExternalCodecExists, AlreadyExists},
	{ErrExternalCodecNotFound, NotFound},
	{ErrReceiveCodecNotFound, NotFound},

	{ErrRTCPDisabled, WrongState},
	{ErrInvalidMode, InvalidArgument},
	{ErrInvalidPayloadTypes, InvalidArgument},
	{ErrDumpActive, WrongState},
	{ErrDumpInactive, WrongState},
	{ErrInvalidDirection, InvalidArgument},

	{ErrTransportRegistered, AlreadyExists},
	{ErrNoTransport, NotFound},
	{ErrExternalTransport, WrongState},
	{ErrDestinationSet, WrongState},
	{ErrNoSocket, NotFound},
	{ErrInvalidMTU, InvalidArgument},
	{ErrInvalidTimeout, InvalidArgument},
	{ErrPacketLength, PacketMalformed},
	{ErrUnknownPayloadType, PacketDropped},
	{ErrDecryptFailed, PacketDropped},
	{ErrTransportFailed, TransportFailed},
	{ErrPeerGone, PeerGone},

	{ErrSRTPEnabled, WrongState},
	{ErrEncryptionConflict, WrongState},
	{ErrEncryptionRegistered, AlreadyExists},
	{ErrNoEncryption, NotFound},
	{ErrInvalidArgument, InvalidArgument},

	{codec.ErrInvalidDescriptor, InvalidArgument},
	{codec.ErrUnknownCodec, InvalidArgument},
	{codec.ErrNoImplementation, InvalidArgument},
	{codec.ErrCorruptBitstream, PacketDropped},
	{codec.ErrMissingReference, PacketDropped},
	{codec.ErrShortPayload, PacketMalformed},
	{codec.ErrPayloadTooSmall, InvalidArgument},
	{codec.ErrUninitialized, WrongState},
	{codec.ErrNoCallback, WrongState},

	{rtp.ErrFrozen, WrongState},
	{rtp.ErrPayloadTypeInUse, InvalidArgument},
	{rtp.ErrInvalidPayloadType, InvalidArgument},
	{rtp.ErrPayloadTypeNotOwned, NotFound},
	{rtp.ErrInvalidKeepAliveInterval, InvalidArgument},
	{rtp.ErrKeepAliveState, WrongState},
	{rtp.ErrDumpClosed, WrongState},
	{rtp.ErrDumpHeader, PacketMalformed},
	{rtp.ErrDumpRecord, PacketMalformed},

	{rtcp.ErrMalformed, PacketMalformed},
	{rtcp.ErrModeOff, WrongState},
	{rtcp.ErrCNAMETooLong, InvalidArgument},
	{rtcp.ErrAppSubType, InvalidArgument},
	{rtcp.ErrAppLength, InvalidArgument},

	{fec.ErrShortPacket, PacketMalformed},
	{fec.ErrBadREDBlock, PacketMalformed},
	{fec.ErrTooManyPackets, ResourceExhausted},

	{jitter.ErrDuplicate, PacketDropped},
	{jitter.ErrTooOld, PacketDropped},
	{jitter.ErrWaitingForKey, PacketDropped},

	{video.ErrNilFrame, InvalidArgument},
	{video.ErrInvalidDimensions, InvalidArgument},
	{video.ErrBufferTooSmall, InvalidArgument},
	{video.ErrFilterFailed, PacketDropped},

	{srtp.ErrInvalidConfig, InvalidArgument},
	{srtp.ErrInvalidKey, InvalidArgument},
	{srtp.ErrShortPacket, PacketMalformed},
	{srtp.ErrAuthFailed, PacketDropped},
	{srtp.ErrIndexExhausted, ResourceExhausted},
	{srtp.ErrTransformFailed, PacketDropped},

	{transport.ErrInvalidPort, InvalidArgument},
	{transport.ErrInvalidAddress, InvalidArgument},
	{transport.ErrBind, ResourceExhausted},
	{transport.ErrClosed, WrongState},
	{transport.ErrNoDestination, WrongState},
	{transport.ErrInvalidDSCP, InvalidArgument},
	{transport.ErrUnsupportedServiceType, InvalidArgument},

	{capture.ErrDeviceNotFound, NotFound},
	{capture.ErrAlreadyStarted, WrongState},
	{capture.ErrNotStarted, WrongState},
	{capture.ErrInvalidCapability, InvalidArgument},
	{capture.ErrInvalidFrame, InvalidArgument},
	{capture.ErrFilterState, WrongState},
	{capture.ErrFilterExists, AlreadyExists},
	{capture.ErrNoFilter, NotFound},

	{render.ErrAlreadyBound, AlreadyExists},
	{render.ErrNotBound, NotFound},
	{render.ErrInvalidRect, InvalidArgument},
	{render.ErrInvalidZOrder, InvalidArgument},
	{render.ErrNilRenderer, InvalidArgument},
	{render.ErrUnsupportedFormat, InvalidArgument},
	{render.ErrInvalidTimeout, InvalidArgument},
	{render.ErrState, WrongState},
	{render.ErrRendererFailed, PacketDropped},

	{config.ErrInvalid, InvalidArgument},
}

// KindOf returns the kind of err. Errors the engine does not know are
// reported as InvalidArgument.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return InvalidArgument
}

// wrap turns err into an *Error for op. Existing *Error values pass
// through unchanged.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// protocolVersion 火山引擎 WebSocket 二进制协议版本
const protocolVersion = 0b0001

// FrameType 帧类型
type FrameType uint8

const (
	// FullClientRequest 携带请求参数的完整客户端帧
	FullClientRequest FrameType = 0b0001
	// AudioOnlyRequest 仅携带音频数据的客户端帧
	AudioOnlyRequest FrameType = 0b0010
	// FullServerResponse 服务端完整响应帧
	FullServerResponse FrameType = 0b1001
	// AudioOnlyServerResponse 仅携带音频数据的服务端帧
	AudioOnlyServerResponse FrameType = 0b1011
	// ErrorResponse 服务端错误帧
	ErrorResponse FrameType = 0b1111
)

// FrameFlags 帧标志位，低2位描述 sequence 语义
type FrameFlags uint8

const (
	// NoSequence 帧头后不携带 sequence
	NoSequence FrameFlags = 0b0000
	// PositiveSequence 帧头后4字节为正 sequence
	PositiveSequence FrameFlags = 0b0001
	// LastPacketNoSequence 最后一包且不携带 sequence
	LastPacketNoSequence FrameFlags = 0b0010
	// NegativeSequence 帧头后4字节为负 sequence，表示最后一包
	NegativeSequence FrameFlags = 0b0011
	// WithEvent 帧携带事件元数据
	WithEvent FrameFlags = 0b0100
)

// EventType 服务端事件类型
type EventType int32

const (
	EventNone               EventType = 0
	EventStartConnection    EventType = 1
	EventFinishConnection   EventType = 2
	EventConnectionStarted  EventType = 50
	EventConnectionFailed   EventType = 51
	EventConnectionFinished EventType = 52
	EventSessionStarted     EventType = 150
	EventSessionFinished    EventType = 152
	EventSessionFailed      EventType = 153
)

// Serialization 负载序列化方式
type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 负载压缩方式
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// FrameHeader 4字节帧头
type FrameHeader struct {
	Version       uint8
	HeaderSize    uint8
	Type          FrameType
	Flags         FrameFlags
	Serialization Serialization
	Compression   Compression
	Reserved      uint8
}

// Frame 一帧协议消息
type Frame struct {
	Header    FrameHeader
	Sequence  int32
	Event     EventType
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

func newFrameHeader(typ FrameType, flags FrameFlags, ser Serialization, comp Compression) FrameHeader {
	return FrameHeader{
		Version:       protocolVersion,
		HeaderSize:    0b0001, // 1 x 4字节
		Type:          typ,
		Flags:         flags,
		Serialization: ser,
		Compression:   comp,
	}
}

func (h FrameHeader) encode() []byte {
	return []byte{
		(h.Version << 4) | h.HeaderSize,
		(uint8(h.Type) << 4) | uint8(h.Flags),
		(uint8(h.Serialization) << 4) | uint8(h.Compression),
		h.Reserved,
	}
}

func decodeFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < 4 {
		return FrameHeader{}, fmt.Errorf("frame header too short: %d bytes", len(data))
	}

	h := FrameHeader{
		Version:       data[0] >> 4,
		HeaderSize:    data[0] & 0x0F,
		Type:          FrameType(data[1] >> 4),
		Flags:         FrameFlags(data[1] & 0x0F),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0F),
		Reserved:      data[3],
	}

	if h.Version != protocolVersion {
		return FrameHeader{}, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// hasSequence 帧头后是否跟随4字节 sequence。
func (h FrameHeader) hasSequence() bool {
	switch h.Flags & 0b0011 {
	case PositiveSequence, NegativeSequence:
		return true
	default:
		return false
	}
}

// EncodeFrame 将帧编码为线上字节序列。
func EncodeFrame(f *Frame) []byte {
	buf := bytes.NewBuffer(f.Header.encode())

	if f.Header.hasSequence() {
		writeUint32(buf, uint32(f.Sequence))
	}

	if f.Header.Flags&WithEvent == WithEvent {
		writeUint32(buf, uint32(f.Event))
		if !eventSkipsSessionID(f.Event) {
			writeSizedString(buf, f.SessionID)
		}
		if eventCarriesConnectID(f.Event) {
			writeSizedString(buf, f.ConnectID)
		}
	}

	writeUint32(buf, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame 从 reader 解码一帧。
func DecodeFrame(reader io.Reader) (*Frame, error) {
	headerBytes := make([]byte, 4)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	header, err := decodeFrameHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	frame := &Frame{Header: header}

	// 跳过扩展帧头
	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, reader, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	if header.hasSequence() {
		seq, err := readUint32(reader)
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		frame.Sequence = int32(seq)
	}

	if header.Flags&WithEvent == WithEvent {
		event, err := readUint32(reader)
		if err != nil {
			return nil, fmt.Errorf("read event type: %w", err)
		}
		frame.Event = EventType(event)

		if !eventSkipsSessionID(frame.Event) {
			frame.SessionID, err = readSizedString(reader)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
		}
		if eventCarriesConnectID(frame.Event) {
			frame.ConnectID, err = readSizedString(reader)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
		}
	}

	if header.Type == ErrorResponse {
		code, err := readUint32(reader)
		if err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
		frame.ErrorCode = code
	}

	size, err := readUint32(reader)
	if err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if size > 0 {
		frame.Payload = make([]byte, size)
		if _, err := io.ReadFull(reader, frame.Payload); err != nil {
			return nil, fmt.Errorf("read payload (%d bytes): %w", size, err)
		}
	}

	return frame, nil
}

// NewFullClientRequest 创建携带JSON参数的完整客户端帧。
func NewFullClientRequest(payload []byte, comp Compression) *Frame {
	return &Frame{
		Header:  newFrameHeader(FullClientRequest, NoSequence, JSONSerialization, comp),
		Payload: payload,
	}
}

// NewAudioOnlyRequest 创建音频帧。isLast 时使用负 sequence 标记最后一包。
func NewAudioOnlyRequest(audio []byte, sequence int32, isLast bool, comp Compression) *Frame {
	var flags FrameFlags
	switch {
	case isLast && sequence != 0:
		flags = NegativeSequence
		sequence = -sequence
	case isLast:
		flags = LastPacketNoSequence
	case sequence > 0:
		flags = PositiveSequence
	default:
		flags = NoSequence
	}

	return &Frame{
		Header:   newFrameHeader(AudioOnlyRequest, flags, RawSerialization, comp),
		Sequence: sequence,
		Payload:  audio,
	}
}

// IsLastPacket 是否为最后一包。
func (f *Frame) IsLastPacket() bool {
	switch f.Header.Flags & 0b0011 {
	case LastPacketNoSequence, NegativeSequence:
		return true
	default:
		return false
	}
}

// IsError 是否为错误帧。
func (f *Frame) IsError() bool {
	return f.Header.Type == ErrorResponse
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func eventCarriesConnectID(event EventType) bool {
	switch event {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(reader io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(reader, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeSizedString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readSizedString(reader io.Reader) (string, error) {
	size, err := readUint32(reader)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

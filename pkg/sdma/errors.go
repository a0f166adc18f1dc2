package sdma

import (
	"errors"
	"fmt"
)

// Kind is the coarse class of an engine error. In the integer error code
// kinds occupy bits 20 and up, the detail bits 5 to 19 and the channel
// number the low five bits.
type Kind int32

// Error kinds
const (
	KindNone                         Kind = 0x0000000
	KindNoControlBlock               Kind = 0x0100000
	KindBufferUninitialized          Kind = 0x0200000
	KindBufferAllocated              Kind = 0x0300000
	KindBufferAllocationFailed       Kind = 0x0400000
	KindControlBlockAllocationFailed Kind = 0x0500000
	KindControlBlockUninitialized    Kind = 0x0600000
	KindChannelInUse                 Kind = 0x0700000
	KindChannelBusy                  Kind = 0x0800000
	KindChannelUninitialized         Kind = 0x0900000
	KindInvalidParameter             Kind = 0x0a00000
	KindAlreadyDefined               Kind = 0x0b00000
	KindAllocationFailed             Kind = 0x0c00000
	KindCloseFailed                  Kind = 0x0d00000
	KindChangeNotAllowed             Kind = 0x0e00000
	KindErrorBitSet                  Kind = 0x0f00000
	KindPlatformContract             Kind = 0x1000000
)

const (
	channelBits = 5
	channelMask = 1<<channelBits - 1
	detailBits  = 15
	detailMask  = (1<<detailBits - 1) << channelBits
)

var kindMessages = map[Kind]string{
	KindNone:                         "no error",
	KindNoControlBlock:               "no channel control block defined",
	KindBufferUninitialized:          "buffer descriptors not initialized",
	KindBufferAllocated:              "buffer descriptors already allocated",
	KindBufferAllocationFailed:       "buffer descriptor allocation failed",
	KindControlBlockAllocationFailed: "channel control block allocation failed",
	KindControlBlockUninitialized:    "channel control block table not initialized",
	KindChannelInUse:                 "channel in use",
	KindChannelBusy:                  "channel busy",
	KindChannelUninitialized:         "channel not initialized",
	KindInvalidParameter:             "invalid parameter",
	KindAlreadyDefined:               "channel descriptor already defined",
	KindAllocationFailed:             "allocation failed",
	KindCloseFailed:                  "close failed: co-processor still owns data",
	KindChangeNotAllowed:             "change not allowed",
	KindErrorBitSet:                  "transfer error reported by co-processor",
	KindPlatformContract:             "platform adapter incomplete",
}

// String returns the human-readable kind
func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("unknown kind (0x%x)", int32(k))
}

// Error is returned by every engine operation.
type Error struct {
	Kind    Kind
	Channel int
	// Detail is kind specific. For KindBufferAllocated it is the number of
	// ring descriptors already carrying DONE. Code keeps its low 15 bits.
	Detail  int
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("channel %d: %s", e.Channel, e.Kind)
	if e.Context != "" {
		msg = fmt.Sprintf("%s: channel %d: %s", e.Context, e.Channel, e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind, so the sentinels below work
// with errors.Is regardless of channel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Code returns the negative integer encoding of the error:
// -(kind | detail<<5 | channel).
func (e *Error) Code() int32 {
	v := int32(e.Kind) | int32(e.Detail<<channelBits)&detailMask | int32(e.Channel)&channelMask
	return -v
}

// DecodeCode splits an integer error code.
func DecodeCode(code int32) (kind Kind, detail, channel int) {
	if code < 0 {
		code = -code
	}
	return Kind(code &^ (detailMask | channelMask)), int(code&detailMask) >> channelBits, int(code & channelMask)
}

func newError(kind Kind, channel int, context string) *Error {
	return &Error{Kind: kind, Channel: channel, Context: context}
}

func wrapError(kind Kind, channel int, context string, cause error) *Error {
	return &Error{Kind: kind, Channel: channel, Context: context, Cause: cause}
}

// Sentinels for errors.Is
var (
	ErrNoControlBlock               = &Error{Kind: KindNoControlBlock}
	ErrBufferUninitialized          = &Error{Kind: KindBufferUninitialized}
	ErrBufferAllocated              = &Error{Kind: KindBufferAllocated}
	ErrBufferAllocationFailed       = &Error{Kind: KindBufferAllocationFailed}
	ErrControlBlockAllocationFailed = &Error{Kind: KindControlBlockAllocationFailed}
	ErrControlBlockUninitialized    = &Error{Kind: KindControlBlockUninitialized}
	ErrChannelInUse                 = &Error{Kind: KindChannelInUse}
	ErrChannelBusy                  = &Error{Kind: KindChannelBusy}
	ErrChannelUninitialized         = &Error{Kind: KindChannelUninitialized}
	ErrInvalidParameter             = &Error{Kind: KindInvalidParameter}
	ErrAlreadyDefined               = &Error{Kind: KindAlreadyDefined}
	ErrAllocationFailed             = &Error{Kind: KindAllocationFailed}
	ErrCloseFailed                  = &Error{Kind: KindCloseFailed}
	ErrChangeNotAllowed             = &Error{Kind: KindChangeNotAllowed}
	ErrErrorBitSet                  = &Error{Kind: KindErrorBitSet}
	ErrPlatformContract             = &Error{Kind: KindPlatformContract}
)

// CodeOf returns the integer code of err, 0 for nil and -1 for errors that
// did not come from the engine.
func CodeOf(err error) int32 {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return -1
}

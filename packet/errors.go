package packet

import (
	"errors"
	"fmt"
)

// ReasonCode is a one byte result carried by CONNACK, the publish acks, SUBACK, UNSUBACK,
// DISCONNECT and AUTH. v3.1.1 only knows the CONNACK return codes 0x00-0x05 and the
// SUBACK failure 0x80; v5.0 uses the full table below.
//
// A ReasonCode is also the error type of this package: any decode failure that leaves the
// stream framable is reported as one, so callers can answer with the same code.
type ReasonCode struct {
	Code   uint8
	Reason string
}

func (rc ReasonCode) Error() string {
	return fmt.Sprintf("%d:%s", rc.Code, rc.Reason)
}

// Failed reports whether the code is a failure, i.e. 0x80 or above.
func (rc ReasonCode) Failed() bool {
	return rc.Code >= 0x80
}

// Is matches on the code only, so errors.Is(err, ErrProtocolErr) holds for every 0x82
// variant regardless of its reason text.
func (rc ReasonCode) Is(target error) bool {
	var t ReasonCode
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == rc.Code
}

// CodeOf extracts the ReasonCode wrapped in err. ok is false when err carries none.
func CodeOf(err error) (ReasonCode, bool) {
	var rc ReasonCode
	if errors.As(err, &rc) {
		return rc, true
	}
	return rc, false
}

// v3.1.1 CONNACK return codes.
var (
	Err3UnsupportedProtocolVersion = ReasonCode{Code: 0x01, Reason: "unacceptable protocol version"}
	Err3ClientIdentifierNotValid   = ReasonCode{Code: 0x02, Reason: "identifier rejected"}
	Err3ServerUnavailable          = ReasonCode{Code: 0x03, Reason: "server unavailable"}
	Err3BadUsernameOrPassword      = ReasonCode{Code: 0x04, Reason: "bad user name or password"}
	Err3NotAuthorized              = ReasonCode{Code: 0x05, Reason: "not authorized"}
	Err3SubscribeFailure           = ReasonCode{Code: 0x80, Reason: "failure"}
)

// v5.0 success codes.
var (
	CodeSuccess                = ReasonCode{Code: 0x00, Reason: "success"}
	CodeDisconnect             = ReasonCode{Code: 0x00, Reason: "normal disconnection"}
	CodeGrantedQos0            = ReasonCode{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1            = ReasonCode{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2            = ReasonCode{Code: 0x02, Reason: "granted qos 2"}
	CodeDisconnectWillMessage  = ReasonCode{Code: 0x04, Reason: "disconnect with will message"}
	CodeNoMatchingSubscribers  = ReasonCode{Code: 0x10, Reason: "no matching subscribers"}
	CodeNoSubscriptionExisted  = ReasonCode{Code: 0x11, Reason: "no subscription existed"}
	CodeContinueAuthentication = ReasonCode{Code: 0x18, Reason: "continue authentication"}
	CodeReAuthenticate         = ReasonCode{Code: 0x19, Reason: "re-authenticate"}
)

// v5.0 failure codes. The 0x81 and 0x82 families keep the detail in the reason text.
var (
	ErrUnspecifiedError = ReasonCode{Code: 0x80, Reason: "unspecified error"}

	ErrMalformedPacket              = ReasonCode{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedProtocolName        = ReasonCode{Code: 0x81, Reason: "malformed packet: protocol name"}
	ErrMalformedFlags               = ReasonCode{Code: 0x81, Reason: "malformed packet: flags"}
	ErrMalformedPacketID            = ReasonCode{Code: 0x81, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic               = ReasonCode{Code: 0x81, Reason: "malformed packet: topic"}
	ErrMalformedPassword            = ReasonCode{Code: 0x81, Reason: "malformed packet: password"}
	ErrMalformedQos                 = ReasonCode{Code: 0x81, Reason: "malformed packet: qos"}
	ErrMalformedShortBuffer         = ReasonCode{Code: 0x81, Reason: "malformed packet: short buffer"}
	ErrMalformedInvalidUTF8         = ReasonCode{Code: 0x81, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedVariableByteInteger = ReasonCode{Code: 0x81, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedBadProperty         = ReasonCode{Code: 0x81, Reason: "malformed packet: unknown property"}
	ErrMalformedProperties          = ReasonCode{Code: 0x81, Reason: "malformed packet: properties"}
	ErrMalformedReasonCode          = ReasonCode{Code: 0x81, Reason: "malformed packet: reason code"}
	ErrMalformedSubscribeOptions    = ReasonCode{Code: 0x81, Reason: "malformed packet: subscription options"}
	ErrMalformedTrailingBytes       = ReasonCode{Code: 0x81, Reason: "malformed packet: trailing bytes"}

	ErrProtocolErr                          = ReasonCode{Code: 0x82, Reason: "protocol error"}
	ErrProtocolViolationReservedBit         = ReasonCode{Code: 0x82, Reason: "protocol violation: reserved bit not 0"}
	ErrProtocolViolationNoPacketID          = ReasonCode{Code: 0x82, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationQosOutOfRange       = ReasonCode{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationSecondConnect       = ReasonCode{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationRequireFirstConnect = ReasonCode{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationUnexpectedPacket    = ReasonCode{Code: 0x82, Reason: "protocol violation: unexpected packet"}
	ErrProtocolViolationDupNoQos            = ReasonCode{Code: 0x82, Reason: "protocol violation: dup true with no qos"}
	ErrProtocolViolationNoFilters           = ReasonCode{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationNoTopic             = ReasonCode{Code: 0x82, Reason: "protocol violation: no topic or alias"}
	ErrProtocolViolationDuplicateProperty   = ReasonCode{Code: 0x82, Reason: "protocol violation: duplicate property"}
	ErrProtocolViolationPropertyValue       = ReasonCode{Code: 0x82, Reason: "protocol violation: invalid property value"}
	ErrProtocolViolationWillFlags           = ReasonCode{Code: 0x82, Reason: "protocol violation: will qos or retain without will flag"}

	ErrImplementationSpecificError         = ReasonCode{Code: 0x83, Reason: "implementation specific error"}
	ErrUnsupportedProtocolVersion          = ReasonCode{Code: 0x84, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid            = ReasonCode{Code: 0x85, Reason: "client identifier not valid"}
	ErrBadUsernameOrPassword               = ReasonCode{Code: 0x86, Reason: "bad username or password"}
	ErrNotAuthorized                       = ReasonCode{Code: 0x87, Reason: "not authorized"}
	ErrServerUnavailable                   = ReasonCode{Code: 0x88, Reason: "server unavailable"}
	ErrServerBusy                          = ReasonCode{Code: 0x89, Reason: "server busy"}
	ErrBanned                              = ReasonCode{Code: 0x8A, Reason: "banned"}
	ErrServerShuttingDown                  = ReasonCode{Code: 0x8B, Reason: "server shutting down"}
	ErrBadAuthenticationMethod             = ReasonCode{Code: 0x8C, Reason: "bad authentication method"}
	ErrKeepAliveTimeout                    = ReasonCode{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver                    = ReasonCode{Code: 0x8E, Reason: "session taken over"}
	ErrTopicFilterInvalid                  = ReasonCode{Code: 0x8F, Reason: "topic filter invalid"}
	ErrTopicNameInvalid                    = ReasonCode{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierInUse               = ReasonCode{Code: 0x91, Reason: "packet identifier in use"}
	ErrPacketIdentifierNotFound            = ReasonCode{Code: 0x92, Reason: "packet identifier not found"}
	ErrReceiveMaximum                      = ReasonCode{Code: 0x93, Reason: "receive maximum exceeded"}
	ErrTopicAliasInvalid                   = ReasonCode{Code: 0x94, Reason: "topic alias invalid"}
	ErrPacketTooLarge                      = ReasonCode{Code: 0x95, Reason: "packet too large"}
	ErrMessageRateTooHigh                  = ReasonCode{Code: 0x96, Reason: "message rate too high"}
	ErrQuotaExceeded                       = ReasonCode{Code: 0x97, Reason: "quota exceeded"}
	ErrAdministrativeAction                = ReasonCode{Code: 0x98, Reason: "administrative action"}
	ErrPayloadFormatInvalid                = ReasonCode{Code: 0x99, Reason: "payload format invalid"}
	ErrRetainNotSupported                  = ReasonCode{Code: 0x9A, Reason: "retain not supported"}
	ErrQosNotSupported                     = ReasonCode{Code: 0x9B, Reason: "qos not supported"}
	ErrUseAnotherServer                    = ReasonCode{Code: 0x9C, Reason: "use another server"}
	ErrServerMoved                         = ReasonCode{Code: 0x9D, Reason: "server moved"}
	ErrSharedSubscriptionsNotSupported     = ReasonCode{Code: 0x9E, Reason: "shared subscriptions not supported"}
	ErrConnectionRateExceeded              = ReasonCode{Code: 0x9F, Reason: "connection rate exceeded"}
	ErrMaxConnectTime                      = ReasonCode{Code: 0xA0, Reason: "maximum connect time"}
	ErrSubscriptionIdentifiersNotSupported = ReasonCode{Code: 0xA1, Reason: "subscription identifiers not supported"}
	ErrWildcardSubscriptionsNotSupported   = ReasonCode{Code: 0xA2, Reason: "wildcard subscriptions not supported"}
)

var reasons = map[uint8]ReasonCode{}

func init() {
	for _, rc := range []ReasonCode{
		CodeSuccess, CodeGrantedQos1, CodeGrantedQos2, CodeDisconnectWillMessage,
		CodeNoMatchingSubscribers, CodeNoSubscriptionExisted, CodeContinueAuthentication, CodeReAuthenticate,
		ErrUnspecifiedError, ErrMalformedPacket, ErrProtocolErr, ErrImplementationSpecificError,
		ErrUnsupportedProtocolVersion, ErrClientIdentifierNotValid, ErrBadUsernameOrPassword, ErrNotAuthorized,
		ErrServerUnavailable, ErrServerBusy, ErrBanned, ErrServerShuttingDown, ErrBadAuthenticationMethod,
		ErrKeepAliveTimeout, ErrSessionTakenOver, ErrTopicFilterInvalid, ErrTopicNameInvalid,
		ErrPacketIdentifierInUse, ErrPacketIdentifierNotFound, ErrReceiveMaximum, ErrTopicAliasInvalid,
		ErrPacketTooLarge, ErrMessageRateTooHigh, ErrQuotaExceeded, ErrAdministrativeAction,
		ErrPayloadFormatInvalid, ErrRetainNotSupported, ErrQosNotSupported, ErrUseAnotherServer,
		ErrServerMoved, ErrSharedSubscriptionsNotSupported, ErrConnectionRateExceeded, ErrMaxConnectTime,
		ErrSubscriptionIdentifiersNotSupported, ErrWildcardSubscriptionsNotSupported,
	} {
		reasons[rc.Code] = rc
	}
}

// NewReasonCode returns the v5.0 ReasonCode for a wire value, with its standard text.
func NewReasonCode(code uint8) ReasonCode {
	if rc, ok := reasons[code]; ok {
		return rc
	}
	return ReasonCode{Code: code, Reason: "unknown reason code"}
}

package uds

import "fmt"

// Negative response codes.
const (
	NRCGeneralReject               = 0x10
	NRCServiceNotSupported         = 0x11
	NRCSubFunctionNotSupported     = 0x12
	NRCIncorrectMessageLength      = 0x13
	NRCResponseTooLong             = 0x14
	NRCBusyRepeatRequest           = 0x21
	NRCConditionsNotCorrect        = 0x22
	NRCRequestSequenceError        = 0x24
	NRCRequestOutOfRange           = 0x31
	NRCSecurityAccessDenied        = 0x33
	NRCInvalidKey                  = 0x35
	NRCExceedNumberOfAttempts      = 0x36
	NRCRequiredTimeDelayNotExpired = 0x37
	NRCUploadDownloadNotAccepted   = 0x70
	NRCTransferDataSuspended       = 0x71
	NRCGeneralProgrammingFailure   = 0x72
	NRCWrongBlockSequenceCounter   = 0x73
	NRCResponsePending             = 0x78

	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

var nrcNames = map[byte]string{
	NRCGeneralReject:               "generalReject",
	NRCServiceNotSupported:         "serviceNotSupported",
	NRCSubFunctionNotSupported:     "subFunctionNotSupported",
	NRCIncorrectMessageLength:      "incorrectMessageLengthOrInvalidFormat",
	NRCResponseTooLong:             "responseTooLong",
	NRCBusyRepeatRequest:           "busyRepeatRequest",
	NRCConditionsNotCorrect:        "conditionsNotCorrect",
	NRCRequestSequenceError:        "requestSequenceError",
	NRCRequestOutOfRange:           "requestOutOfRange",
	NRCSecurityAccessDenied:        "securityAccessDenied",
	NRCInvalidKey:                  "invalidKey",
	NRCExceedNumberOfAttempts:      "exceedNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired: "requiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:   "uploadDownloadNotAccepted",
	NRCTransferDataSuspended:       "transferDataSuspended",
	NRCGeneralProgrammingFailure:   "generalProgrammingFailure",
	NRCWrongBlockSequenceCounter:   "wrongBlockSequenceCounter",
	NRCResponsePending:             "requestCorrectlyReceivedResponsePending",

	NRCSubFunctionNotSupportedInActiveSession: "subFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInActiveSession:     "serviceNotSupportedInActiveSession",
}

// NRCName returns the ISO 14229 name of a negative response code.
func NRCName(code byte) string {
	if name, ok := nrcNames[code]; ok {
		return name
	}
	return hexByte(code)
}

// Negative builds the three byte negative response for a service.
func Negative(sid, code byte) []byte {
	return []byte{NegativeResponse, sid, code}
}

// NegativeResponseError is returned by the client when the ECU rejects
// a request.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("%s rejected: %s", ServiceName(e.Service), NRCName(e.Code))
}

func hexByte(b byte) string {
	return fmt.Sprintf("0x%02X", b)
}

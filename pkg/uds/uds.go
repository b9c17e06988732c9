// Package uds implements the slice of ISO 14229 unified diagnostic
// services a bench ECU needs: a rule-driven answering machine for the
// server side and a small retrying client for the tester side.
package uds

// Diagnostic service identifiers.
const (
	ServiceDiagnosticSessionControl   = 0x10
	ServiceECUReset                   = 0x11
	ServiceClearDiagnosticInformation = 0x14
	ServiceReadDTCInformation         = 0x19
	ServiceReadDataByIdentifier       = 0x22
	ServiceReadMemoryByAddress        = 0x23
	ServiceSecurityAccess             = 0x27
	ServiceCommunicationControl       = 0x28
	ServiceWriteDataByIdentifier      = 0x2E
	ServiceRoutineControl             = 0x31
	ServiceRequestDownload            = 0x34
	ServiceRequestUpload              = 0x35
	ServiceTransferData               = 0x36
	ServiceRequestTransferExit        = 0x37
	ServiceTesterPresent              = 0x3E
	ServiceControlDTCSetting          = 0x85
)

// ResponseOffset turns a request service ID into its positive response
// ID.
const ResponseOffset = 0x40

// NegativeResponse is the service ID of every negative response.
const NegativeResponse = 0x7F

// Diagnostic session types.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
	SessionSafety      = 0x04
)

var serviceNames = map[byte]string{
	ServiceDiagnosticSessionControl:   "DiagnosticSessionControl",
	ServiceECUReset:                   "ECUReset",
	ServiceClearDiagnosticInformation: "ClearDiagnosticInformation",
	ServiceReadDTCInformation:         "ReadDTCInformation",
	ServiceReadDataByIdentifier:       "ReadDataByIdentifier",
	ServiceReadMemoryByAddress:        "ReadMemoryByAddress",
	ServiceSecurityAccess:             "SecurityAccess",
	ServiceCommunicationControl:       "CommunicationControl",
	ServiceWriteDataByIdentifier:      "WriteDataByIdentifier",
	ServiceRoutineControl:             "RoutineControl",
	ServiceRequestDownload:            "RequestDownload",
	ServiceRequestUpload:              "RequestUpload",
	ServiceTransferData:               "TransferData",
	ServiceRequestTransferExit:        "RequestTransferExit",
	ServiceTesterPresent:              "TesterPresent",
	ServiceControlDTCSetting:          "ControlDTCSetting",
}

// ServiceName returns the ISO 14229 name of a service ID, falling back
// to the hex value for identifiers we do not know.
func ServiceName(sid byte) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	return hexByte(sid)
}

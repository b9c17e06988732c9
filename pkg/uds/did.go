package uds

import "github.com/albenik/bcd"

// Well known data identifiers served by the demo ECU.
const (
	DIDTestPattern       = 0x1234
	DIDManufacturingDate = 0xF18B
	DIDVIN               = 0xF190
)

// DefaultIdentifiers is the data snapshot behind the demo ECU's
// ReadDataByIdentifier table.
func DefaultIdentifiers() map[uint16][]byte {
	return map[uint16][]byte{
		DIDTestPattern:       []byte("deadbeef"),
		DIDManufacturingDate: bcd.FromUint32(20240115),
		DIDVIN:               []byte("W0L000051T2123456"),
	}
}

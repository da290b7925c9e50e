// Package address implements the instrument address model: a tagged union over the
// four supported media (USB, LAN/LXI, GPIB and serial) with per-medium validation and a
// canonical VISA-style resource string.
//
// Addresses are built with Compose from the structured field values supplied by a
// configuration front-end, with the typed constructors (NewLAN, NewGPIB, NewSerial, NewUSB),
// or with Parse from a canonical resource string:
//
//	addr, err := address.Compose(address.MediumLAN, address.Fields{"host": "192.0.2.10", "port": "5025"})
//	// addr.String() == "TCPIP::192.0.2.10::5025::SOCKET"
//
// # Canonical Forms
//
//   - LAN:    TCPIP::<host>::<port>::<suffix>   (IPv6 hosts are bracketed)
//   - GPIB:   GPIB<board>::<primary>[::<secondary>]::INSTR
//   - Serial: ASRL<path>::<baud>::<data bits><parity><stop bits>::INSTR
//   - USB:    USB::0x<vid>::0x<pid>::<serial>::INSTR
//
// An Address is an immutable, comparable value: two addresses are equal (==) iff the
// medium and every medium-specific field are equal, so an Address can key a map directly.
package address

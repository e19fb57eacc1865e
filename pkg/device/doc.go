// Package device implements the UPnP device model: root and embedded
// devices, their derived identifiers, and the enumeration rules that drive
// which (NT-or-ST, USN) pairs a publisher advertises or matches against an
// M-SEARCH.
//
// A RootDevice owns a tree of EmbeddedDevice children. Each EmbeddedDevice
// holds a non-owning back-reference to its root; attaching the same
// embedded device to a second root is an invariant violation and fails.
package device

// Package discovery finds WLED devices on the local network.
//
// Devices are found two ways: periodic mDNS browsing for _wled._tcp
// (WLED firmware advertises itself), and manual addition by IP address.
// Both paths emit Found candidates on a channel; the engine owns probing
// candidates and creating device records.
//
// The package also provides the SubnetGate used by the engine to skip
// polling and push connections for devices outside the host's current
// local networks.
package discovery

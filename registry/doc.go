// Package registry holds loaded native module records and their caches.
//
// Records live in an arena addressed by stable handles (handle 0 is never
// valid) and are threaded into an insertion-ordered list with explicit head
// and tail. Lookups scan head to tail and return the first match, so a
// record pushed to the front shadows older records with the same name.
//
// Three cache maps sit next to the list, each behind its own mutex:
//
//	libraries   key -> opened shared library
//	bytecode    key -> raw bytecode buffer
//	app paths   path key -> colon-joined library search path
//
// The maps are updated at different points of a load than the list and are
// not consistent with it under a single snapshot. A record may briefly be in
// the list before its library handle is stored.
package registry

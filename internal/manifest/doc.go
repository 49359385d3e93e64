// Package manifest implements crash-safe persistence of a single value.
//
// A [Record] remembers one value (the worker's index table, an index's segment
// list) in one file and replaces it atomically.
//
// # Envelope
//
//	Magic     (5 bytes) - "VWREC"
//	Version   (1 byte)  - envelope format version (currently 1)
//	CodecLen  (1 byte)  - length of the codec name
//	Codec     (n bytes) - name of the payload codec ("json", "msgpack")
//	Checksum  (4 bytes) - CRC32-C of the payload
//	Length    (4 bytes) - payload length
//	Payload
//
// # Atomic Protocol
//
// Set writes the new envelope to <path>.tmp, fsyncs it, renames it over
// <path> and fsyncs the containing directory. A crash before the rename
// leaves the old file untouched, a crash after it leaves the new one. A stale
// .tmp file is simply overwritten by the next Set.
package manifest

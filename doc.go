/*
Package rordb implements a single-file, log-structured key-value store.

An Engine owns one append-only file and an in-memory index mapping every live
key to the offset of its winning record. Writes never modify existing bytes:
an update appends a new Add record, a delete appends a tombstone. The bytes
of superseded records and tombstones are counted as “uncompacted”; once they
reach Options.CompactionThreshold, the next Add first rewrites the file with
only the winning records and atomically renames it over the original.

All Engine methods take a single mutex, so every operation (compaction
included) is linearized per file.

Values are a closed set of types (see Kind): Null, Bool, Int32, Int64,
Float32, Float64, Char, String and Array, with arrays nesting up to
MaxValueDepth levels.

# File format

The file is a flat sequence of records:

	record = op:32 keyLen:64 valueLen:64 key:keyLen value:valueLen

All integers are big-endian. op is 1 (Add) or 2 (Delete). The key is UTF-8.
A Delete record has valueLen = 0. The value is msgpack of a two-element
array [kind, payload]; arrays carry their elements as nested [kind, payload]
pairs.

Reaching the end of the file exactly at a record boundary ends the log. Any
other inconsistency (torn header, truncated body, unknown op, undecodable
value) is reported as a *CorruptionError.
*/
package rordb

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Kiln's standard CBOR encoding configuration.
//
// Every message that crosses a process boundary (daemon↔zygote,
// zygote↔supervisor, caller↔sandbox) and the supervisor bootstrap
// record are CBOR. The channel layer frames the encoded bytes; this
// package only decides how values become bytes, so that every sender
// in every process of the isolation hierarchy encodes identically.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. The same message always produces the same frame checksum.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Wire types use `cbor` struct tags. Fields that must never be encoded
// (open descriptors carried out of band) use `cbor:"-"`.
package codec

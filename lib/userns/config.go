// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package userns

import (
	"fmt"
	"os"
	"strings"
)

// MaxRanges is the kernel's limit on lines in a uid_map or gid_map.
const MaxRanges = 340

// IDMap maps Count consecutive IDs starting at InsideID in the new
// namespace onto IDs starting at OutsideID in the parent namespace.
type IDMap struct {
	InsideID  uint32 `yaml:"inside_id" cbor:"inside_id"`
	OutsideID uint32 `yaml:"outside_id" cbor:"outside_id"`
	Count     uint32 `yaml:"count" cbor:"count"`
}

// Config describes the mappings for one new user namespace.
type Config struct {
	UIDMappings []IDMap `yaml:"uid_mappings" cbor:"uid_mappings"`
	GIDMappings []IDMap `yaml:"gid_mappings" cbor:"gid_mappings"`

	// SetGroups leaves setgroups(2) enabled inside the namespace.
	// Unprivileged direct writes require it disabled, so the default
	// (false) writes "deny" to /proc/<pid>/setgroups before gid_map.
	SetGroups bool `yaml:"setgroups" cbor:"setgroups"`

	// UseHelpers writes the mappings through newuidmap/newgidmap
	// instead of writing the proc files directly.
	UseHelpers bool `yaml:"use_helpers" cbor:"use_helpers"`
}

// Current returns a configuration mapping root inside the namespace to
// the calling process's own UID and GID. It is the one mapping an
// unprivileged process may always write directly.
func Current() Config {
	return Config{
		UIDMappings: []IDMap{{InsideID: 0, OutsideID: uint32(os.Getuid()), Count: 1}},
		GIDMappings: []IDMap{{InsideID: 0, OutsideID: uint32(os.Getgid()), Count: 1}},
	}
}

// Validate checks both mapping sets for emptiness, zero-length ranges,
// overflow, and overlap on either side.
func (c Config) Validate() error {
	if err := validateRanges("uid", c.UIDMappings); err != nil {
		return err
	}
	return validateRanges("gid", c.GIDMappings)
}

func validateRanges(kind string, ranges []IDMap) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: no %s mappings", ErrInvalidMapping, kind)
	}
	if len(ranges) > MaxRanges {
		return fmt.Errorf("%w: %d %s mappings exceeds kernel limit %d", ErrInvalidMapping, len(ranges), kind, MaxRanges)
	}
	for i, r := range ranges {
		if r.Count == 0 {
			return fmt.Errorf("%w: %s mapping %d has zero count", ErrInvalidMapping, kind, i)
		}
		if uint64(r.InsideID)+uint64(r.Count) > 1<<32 || uint64(r.OutsideID)+uint64(r.Count) > 1<<32 {
			return fmt.Errorf("%w: %s mapping %d overflows the 32-bit ID space", ErrInvalidMapping, kind, i)
		}
		for j := range i {
			other := ranges[j]
			if overlaps(r.InsideID, r.Count, other.InsideID, other.Count) {
				return fmt.Errorf("%w: %s mappings %d and %d overlap inside the namespace", ErrInvalidMapping, kind, j, i)
			}
			if overlaps(r.OutsideID, r.Count, other.OutsideID, other.Count) {
				return fmt.Errorf("%w: %s mappings %d and %d overlap outside the namespace", ErrInvalidMapping, kind, j, i)
			}
		}
	}
	return nil
}

func overlaps(startA, countA, startB, countB uint32) bool {
	endA := uint64(startA) + uint64(countA)
	endB := uint64(startB) + uint64(countB)
	return uint64(startA) < endB && uint64(startB) < endA
}

// formatMap renders ranges in the kernel's uid_map/gid_map format: one
// "inside outside count" line per range.
func formatMap(ranges []IDMap) string {
	var builder strings.Builder
	for _, r := range ranges {
		fmt.Fprintf(&builder, "%d %d %d\n", r.InsideID, r.OutsideID, r.Count)
	}
	return builder.String()
}

// helperArgs renders ranges as newuidmap/newgidmap arguments.
func helperArgs(pid int, ranges []IDMap) []string {
	args := []string{fmt.Sprint(pid)}
	for _, r := range ranges {
		args = append(args, fmt.Sprint(r.InsideID), fmt.Sprint(r.OutsideID), fmt.Sprint(r.Count))
	}
	return args
}

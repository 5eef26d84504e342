// Package conv holds checked integer conversions for the on-disk formats.
//
// Lengths and counts are stored as fixed-width unsigned fields; these helpers
// reject values that would not round-trip instead of silently truncating them.
package conv

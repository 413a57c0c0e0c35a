// Package archive probes the filesystem for image collections and opens
// byte streams into them.
//
// A collection is either a directory of images or an archive file (zip,
// cbz, rar, cbr, 7z). Images inside archives are addressed by entry refs of
// the form "archive.zip#entry.jpg"; the '#' separator is canonical and
// platform-independent. Legacy records joined archive and entry with a
// backslash instead; FixLegacyEntryPath rewrites those on every consumer
// input.
//
// Archive enumeration filters macOS metadata trees ("__MACOSX") that zip
// tools on macOS embed alongside the real entries.
package archive
